// Package capi is the Go-callable facade mirroring the native
// shorebird_* ABI surface. It returns plain Go values and errors; the
// cgo pointer/string-marshaling shim that would sit on top of this for
// an actual C caller is out of scope here.
package capi

import (
	"context"
	"log"

	"github.com/shorebirdtech/updater-sub000/internal/baseartifact"
	"github.com/shorebirdtech/updater-sub000/internal/network"
	"github.com/shorebirdtech/updater-sub000/internal/pipeline"
	"github.com/shorebirdtech/updater-sub000/internal/updaterconfig"
	"github.com/shorebirdtech/updater-sub000/internal/yamlconfig"
)

// Status codes mirror UpdateResult.status from spec.md §6.
const (
	StatusUpdateError     = -1
	StatusNoUpdate        = 0
	StatusUpdateInstalled = 1
	StatusUpdateHadError  = 2
	StatusIsBadPatch      = 3
)

// UpdateResult mirrors the native UpdateResult{status, message} struct.
type UpdateResult struct {
	Status  int
	Message string
}

func statusFor(status pipeline.Status, err error) UpdateResult {
	if err != nil {
		return UpdateResult{Status: StatusUpdateError, Message: err.Error()}
	}
	switch status {
	case pipeline.NoUpdate:
		return UpdateResult{Status: StatusNoUpdate}
	case pipeline.UpdateInstalled:
		return UpdateResult{Status: StatusUpdateInstalled}
	case pipeline.IsBadPatch:
		return UpdateResult{Status: StatusIsBadPatch, Message: "patch failed verification"}
	default:
		return UpdateResult{Status: StatusUpdateHadError}
	}
}

// Params bundles the host-supplied fields init() needs beyond the
// compiled-in YAML: the release version being run and where to find the
// base artifact (or the external file callbacks in place of a path).
type Params struct {
	StorageDir     string
	ReleaseVersion string
	LibappPath     string
	FileProvider   *baseartifact.ExternalFileProvider
	NetworkHooks   *network.Hooks
}

var updater = pipeline.New()

// Init parses yamlRaw and initializes the process-wide updater config.
// It must be called exactly once per process.
func Init(params Params, yamlRaw []byte) error {
	yc, err := yamlconfig.Parse(yamlRaw)
	if err != nil {
		return err
	}
	mode, err := yc.ResolveVerificationMode()
	if err != nil {
		return err
	}

	hooks := network.DefaultHooks(nil)
	if params.NetworkHooks != nil {
		hooks = *params.NetworkHooks
	}

	return updaterconfig.Init(updaterconfig.Config{
		StorageDir:     params.StorageDir,
		AppID:          yc.AppID,
		Channel:        yc.ChannelOrDefault(),
		BaseURL:        yc.BaseURLOrDefault(),
		AutoUpdate:     yc.AutoUpdateOrDefault(),
		ReleaseVersion: params.ReleaseVersion,
		LibappPath:     params.LibappPath,
		Platform:       updaterconfig.CurrentPlatform(),
		Arch:           updaterconfig.CurrentArch(),
		NetworkHooks:   hooks,
		FileProvider:   params.FileProvider,
		PatchPublicKey: yc.PatchPublicKey,
		VerificationMode: mode,
	})
}

// CheckForUpdate reports whether an update is available without
// downloading or installing it.
func CheckForUpdate(ctx context.Context) (bool, error) {
	cfg, err := updaterconfig.Get()
	if err != nil {
		return false, err
	}
	resp, err := cfg.NetworkHooks.Check(ctx, network.CheckURL(cfg.BaseURL), network.CheckRequest{
		AppID:          cfg.AppID,
		Channel:        cfg.Channel,
		ReleaseVersion: cfg.ReleaseVersion,
		Platform:       string(cfg.Platform),
		Arch:           cfg.Arch,
	})
	if err != nil {
		return false, err
	}
	return resp.PatchAvailable, nil
}

// CheckForDownloadableUpdate is CheckForUpdate against an explicit
// channel override, for hosts that check a staging channel before the
// configured default.
func CheckForDownloadableUpdate(ctx context.Context, channel string) (bool, error) {
	cfg, err := updaterconfig.Get()
	if err != nil {
		return false, err
	}
	if channel == "" {
		channel = cfg.Channel
	}
	resp, err := cfg.NetworkHooks.Check(ctx, network.CheckURL(cfg.BaseURL), network.CheckRequest{
		AppID:          cfg.AppID,
		Channel:        channel,
		ReleaseVersion: cfg.ReleaseVersion,
		Platform:       string(cfg.Platform),
		Arch:           cfg.Arch,
	})
	if err != nil {
		return false, err
	}
	return resp.PatchAvailable, nil
}

// Update runs the full update pipeline and returns its status as an int
// together with any pipeline error (UpdateWithResult folds both into an
// UpdateResult instead).
func Update(ctx context.Context) (int, error) {
	status, err := updater.Update(ctx)
	return int(status), err
}

// UpdateWithResult runs the full update pipeline and never returns a Go
// error: any failure is folded into UpdateResult, mirroring the native
// entry point's allocate-and-return-a-struct contract.
func UpdateWithResult(ctx context.Context) UpdateResult {
	status, err := updater.Update(ctx)
	return statusFor(status, err)
}

// StartUpdateThread runs Update in the background; its outcome is logged,
// not returned.
func StartUpdateThread(ctx context.Context) {
	updater.StartUpdateThread(ctx)
}

// CurrentBootPatchNumber returns the currently-booted patch number, or 0
// if none.
func CurrentBootPatchNumber() int {
	info, ok, err := updater.CurrentBootPatch()
	if err != nil || !ok {
		return 0
	}
	return info.Number
}

// NextBootPatchNumber returns the patch number the host should boot next,
// or 0 if none.
func NextBootPatchNumber() int {
	info, ok, err := updater.NextBootPatch()
	if err != nil || !ok {
		return 0
	}
	return info.Number
}

// NextBootPatchPath returns the filesystem path of the next-boot patch,
// or "" if none.
func NextBootPatchPath() string {
	info, ok, err := updater.NextBootPatch()
	if err != nil || !ok {
		return ""
	}
	return info.Path
}

// ValidateNextBootPatch re-verifies the next-boot patch's hash (and
// signature, if configured), marking it bad and removing it on failure.
func ValidateNextBootPatch() error {
	return updater.ValidateNextBootPatch()
}

// ReportLaunchStart promotes the next-boot patch to currently-booting.
func ReportLaunchStart() error {
	return updater.ReportLaunchStart()
}

// ReportLaunchSuccess marks the currently-booting patch known-good.
func ReportLaunchSuccess() error {
	return updater.ReportLaunchSuccess()
}

// ReportLaunchFailure marks the currently-booting patch known-bad and
// selects a new next-boot patch.
func ReportLaunchFailure() error {
	if err := updater.ReportLaunchFailure(); err != nil {
		log.Printf("[capi] report_launch_failure: %v", err)
		return err
	}
	return nil
}

// ShouldAutoUpdate returns the host's configured auto_update setting.
func ShouldAutoUpdate() (bool, error) {
	cfg, err := updaterconfig.Get()
	if err != nil {
		return false, err
	}
	return cfg.AutoUpdate, nil
}
