// Package pipeline implements C8: the single-flight update orchestrator
// (check -> download -> inflate -> hash -> signature -> install ->
// promote) and launch-start/success/failure reporting.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/shorebirdtech/updater-sub000/internal/baseartifact"
	"github.com/shorebirdtech/updater-sub000/internal/inflate"
	"github.com/shorebirdtech/updater-sub000/internal/network"
	"github.com/shorebirdtech/updater-sub000/internal/patchmanager"
	"github.com/shorebirdtech/updater-sub000/internal/signing"
	"github.com/shorebirdtech/updater-sub000/internal/updaterconfig"
	"github.com/shorebirdtech/updater-sub000/internal/updatererr"
	"github.com/shorebirdtech/updater-sub000/internal/updaterstate"
)

// Status mirrors the original implementation's UpdateStatus enum.
type Status int

const (
	NoUpdate Status = iota
	UpdateInstalled
	UpdateHadError
	IsBadPatch
)

func (s Status) String() string {
	switch s {
	case NoUpdate:
		return "No update"
	case UpdateInstalled:
		return "Update installed"
	case UpdateHadError:
		return "Update had error"
	case IsBadPatch:
		return "Is bad patch"
	default:
		return "Unknown"
	}
}

// Updater is the pipeline's entry point. It holds no state of its own:
// the single-flight try-lock lives in updaterconfig (C9), and all durable
// state lives behind updaterconfig (C9) and updaterstate (C4).
type Updater struct{}

// New returns an Updater.
func New() *Updater { return &Updater{} }

// Update runs the full check -> download -> inflate -> verify -> install
// pipeline, per spec.md §4.8. It is single-flight: a concurrent call
// while one is already running fails fast with
// KindUpdateAlreadyInProgress instead of blocking.
func (u *Updater) Update(ctx context.Context) (Status, error) {
	if !updaterconfig.TryLockUpdate() {
		return UpdateHadError, updatererr.New(updatererr.KindUpdateAlreadyInProgress,
			"an update is already in progress")
	}
	defer updaterconfig.UnlockUpdate()

	status, err := u.updateLocked(ctx)
	if err != nil {
		log.Printf("[pipeline] update failed: %v", err)
	}
	return status, err
}

func (u *Updater) updateLocked(ctx context.Context) (Status, error) {
	cfg, err := updaterconfig.Get()
	if err != nil {
		return UpdateHadError, err
	}

	state, err := loadState(cfg)
	if err != nil {
		return UpdateHadError, err
	}

	var latestKnown *int
	if n, ok := state.Patches.LatestPatchNumber(); ok {
		latestKnown = &n
	}

	req := network.CheckRequest{
		AppID:          cfg.AppID,
		Channel:        cfg.Channel,
		ReleaseVersion: cfg.ReleaseVersion,
		PatchNumber:    latestKnown,
		Platform:       string(cfg.Platform),
		Arch:           cfg.Arch,
	}
	resp, err := cfg.NetworkHooks.Check(ctx, network.CheckURL(cfg.BaseURL), req)
	if err != nil {
		return UpdateHadError, fmt.Errorf("patch check request: %w", err)
	}

	if !resp.PatchAvailable {
		return NoUpdate, nil
	}
	if resp.Patch == nil {
		return UpdateHadError, updatererr.New(updatererr.KindBadServerResponse,
			"server reported patch_available but included no patch")
	}

	for _, n := range resp.RolledBackPatchNums {
		if err := state.Patches.RemovePatch(n); err != nil {
			log.Printf("[pipeline] failed to uninstall rolled-back patch %d (continuing): %v", n, err)
		}
	}

	patch := resp.Patch
	if _, alreadyHave := patchAlreadyInstalled(state.Patches, patch.Number); alreadyHave {
		return NoUpdate, nil
	}
	if state.Patches.IsKnownBad(patch.Number) {
		return NoUpdate, nil
	}

	downloadPath := filepath.Join(cfg.DownloadDir, fmt.Sprintf("%d", patch.Number))
	if err := cfg.NetworkHooks.Download(ctx, patch.DownloadURL, downloadPath); err != nil {
		return UpdateHadError, fmt.Errorf("download patch %d: %w", patch.Number, err)
	}
	defer os.Remove(downloadPath)

	opener, err := openerFor(cfg)
	if err != nil {
		return UpdateHadError, err
	}
	base, closer, err := opener.Open(cfg.LibappPath, "lib/"+cfg.Arch+"/libapp.so")
	if err != nil {
		return UpdateHadError, fmt.Errorf("open base artifact: %w", err)
	}
	defer closer.Close()

	outputPath := filepath.Join(cfg.DownloadDir, fmt.Sprintf("%d.full", patch.Number))
	if err := inflate.Inflate(downloadPath, base, outputPath); err != nil {
		return UpdateHadError, fmt.Errorf("inflate patch %d: %w", patch.Number, err)
	}

	actualHash, err := signing.HashFile(outputPath)
	if err != nil {
		return UpdateHadError, fmt.Errorf("hash reconstructed patch %d: %w", patch.Number, err)
	}
	if actualHash != patch.Hash {
		os.Remove(outputPath)
		return IsBadPatch, updatererr.New(updatererr.KindHashMismatch, fmt.Sprintf(
			"update rejected: hash mismatch for patch %d. expected %s, got %s",
			patch.Number, patch.Hash, actualHash))
	}
	if cfg.PatchPublicKey != "" {
		if err := signing.CheckSignature(patch.Hash, patch.HashSignature, cfg.PatchPublicKey); err != nil {
			os.Remove(outputPath)
			return IsBadPatch, err
		}
	}

	if err := state.Patches.AddPatch(patch.Number, outputPath, patch.Hash, patch.HashSignature); err != nil {
		return UpdateHadError, fmt.Errorf("install patch %d: %w", patch.Number, err)
	}

	if err := state.QueueEvent(updaterstate.PatchEvent{
		Type:           updaterstate.PatchInstallEvent,
		AppID:          cfg.AppID,
		PatchNumber:    patch.Number,
		ReleaseVersion: cfg.ReleaseVersion,
		ClientID:       state.ClientID(),
	}); err != nil {
		log.Printf("[pipeline] failed to queue install-success event for patch %d (continuing): %v", patch.Number, err)
	}

	log.Printf("[pipeline] patch %d successfully installed", patch.Number)
	return UpdateInstalled, nil
}

func patchAlreadyInstalled(m patchmanager.Manager, number int) (patchmanager.PatchInfo, bool) {
	if info, ok := m.NextBootPatch(); ok && info.Number == number {
		return info, true
	}
	if latest, ok := m.LatestPatchNumber(); ok && latest == number {
		return patchmanager.PatchInfo{Number: number}, true
	}
	return patchmanager.PatchInfo{}, false
}

// openerFor prefers a host-supplied external file provider over the
// built-in platform openers, per spec.md §9's "external file provider"
// capability for hosts that deny the library direct filesystem access.
func openerFor(cfg updaterconfig.Config) (baseartifact.Opener, error) {
	if cfg.FileProvider != nil {
		return *cfg.FileProvider, nil
	}
	return baseartifact.ForPlatform(cfg.Platform)
}

func loadState(cfg updaterconfig.Config) (*updaterstate.State, error) {
	state, err := updaterstate.Load(cfg.StorageDir, cfg.ReleaseVersion, cfg.PatchPublicKey, cfg.VerificationMode)
	if err != nil {
		return nil, fmt.Errorf("load updater state: %w", err)
	}
	return state, nil
}

// ReportLaunchStart asserts a next-boot patch exists and promotes it to
// currently-booting.
//
// Runs inside updaterconfig.WithConfig: spec.md §5(b) requires launch
// reporting to serialize through the config mutex so patches_state.json
// has a single logical writer at a time.
func (u *Updater) ReportLaunchStart() error {
	return updaterconfig.WithConfig(func(cfg updaterconfig.Config) error {
		state, err := loadState(cfg)
		if err != nil {
			return err
		}
		info, ok := state.Patches.NextBootPatch()
		if !ok {
			return updatererr.New(updatererr.KindInvalidState, "no next-boot patch")
		}
		return state.Patches.RecordBootStart(info.Number)
	})
}

// ReportLaunchFailure marks the currently-booting patch (or, if none is
// currently booting, the next-boot patch) bad, and selects a new
// next-boot patch.
//
// Runs inside updaterconfig.WithConfig; see ReportLaunchStart.
func (u *Updater) ReportLaunchFailure() error {
	return updaterconfig.WithConfig(func(cfg updaterconfig.Config) error {
		state, err := loadState(cfg)
		if err != nil {
			return err
		}
		info, ok := state.Patches.CurrentBootPatch()
		if !ok {
			info, ok = state.Patches.NextBootPatch()
		}
		if !ok {
			return updatererr.New(updatererr.KindInvalidState, "no current patch")
		}
		log.Printf("[pipeline] reporting launch failure for patch %d", info.Number)
		return state.Patches.RecordBootFailure(info.Number)
	})
}

// ReportLaunchSuccess marks the currently-booting patch known-good and
// enqueues an install-success event once per patch number.
//
// Runs inside updaterconfig.WithConfig; see ReportLaunchStart.
func (u *Updater) ReportLaunchSuccess() error {
	return updaterconfig.WithConfig(func(cfg updaterconfig.Config) error {
		state, err := loadState(cfg)
		if err != nil {
			return err
		}
		info, ok := state.Patches.CurrentBootPatch()
		if !ok {
			return nil
		}
		if state.Patches.IsKnownGood(info.Number) {
			return nil
		}
		if err := state.Patches.RecordBootSuccess(); err != nil {
			return updatererr.Wrap(updatererr.KindFailedToSaveState, err)
		}
		if err := state.QueueEvent(updaterstate.PatchEvent{
			Type:           updaterstate.PatchInstallEvent,
			AppID:          cfg.AppID,
			PatchNumber:    info.Number,
			ReleaseVersion: cfg.ReleaseVersion,
			ClientID:       state.ClientID(),
		}); err != nil {
			log.Printf("[pipeline] failed to report successful patch install for %d (continuing): %v", info.Number, err)
		}
		return nil
	})
}

// ValidateNextBootPatch delegates to the patch manager's validation,
// which marks a tampered next-boot patch bad and removes it.
//
// Runs inside updaterconfig.WithConfig; see ReportLaunchStart.
func (u *Updater) ValidateNextBootPatch() error {
	return updaterconfig.WithConfig(func(cfg updaterconfig.Config) error {
		state, err := loadState(cfg)
		if err != nil {
			return err
		}
		return state.Patches.ValidateNextBootPatch(cfg.PatchPublicKey, cfg.VerificationMode == patchmanager.VerificationSignature)
	})
}

// NextBootPatch returns the patch the host should boot next, if any.
//
// Runs inside updaterconfig.WithConfig; see ReportLaunchStart.
func (u *Updater) NextBootPatch() (patchmanager.PatchInfo, bool, error) {
	var info patchmanager.PatchInfo
	var ok bool
	err := updaterconfig.WithConfig(func(cfg updaterconfig.Config) error {
		state, err := loadState(cfg)
		if err != nil {
			return err
		}
		info, ok = state.Patches.NextBootPatch()
		return nil
	})
	return info, ok, err
}

// CurrentBootPatch returns the patch currently booted (or last known
// good), if any.
//
// Runs inside updaterconfig.WithConfig; see ReportLaunchStart.
func (u *Updater) CurrentBootPatch() (patchmanager.PatchInfo, bool, error) {
	var info patchmanager.PatchInfo
	var ok bool
	err := updaterconfig.WithConfig(func(cfg updaterconfig.Config) error {
		state, err := loadState(cfg)
		if err != nil {
			return err
		}
		info, ok = state.Patches.CurrentBootPatch()
		return nil
	})
	return info, ok, err
}

// StartUpdateThread launches Update on a background goroutine and logs
// its outcome; the host does not observe the result directly. Matches
// spec.md §6's `shorebird_start_update_thread` entry point.
func (u *Updater) StartUpdateThread(ctx context.Context) {
	go func() {
		status, err := u.Update(ctx)
		if err != nil {
			log.Printf("[pipeline] update thread finished with error: %v", err)
			return
		}
		log.Printf("[pipeline] update thread finished with status: %s", status)
	}()
}
