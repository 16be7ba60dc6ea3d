package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shorebirdtech/updater-sub000/internal/baseartifact"
	"github.com/shorebirdtech/updater-sub000/internal/network"
	"github.com/shorebirdtech/updater-sub000/internal/updaterconfig"
	"github.com/shorebirdtech/updater-sub000/internal/updatererr"
)

// scenario1Delta is the literal delta from the happy-install scenario:
// a zstd-compressed bsdiff patch turning "hello world" into "hello tests".
var scenario1Delta = []byte{40, 181, 47, 253, 0, 128, 177, 0, 0, 223, 177, 0, 0, 0, 16, 0, 0, 6, 0, 0, 0, 0, 0, 0, 5, 116, 101, 115, 116, 115, 0}

const scenario1Hash = "bb8f1d041a5cdc259055afe9617136799543e0a7a86f86db82f8c1fadbd8cc45"

func setup(t *testing.T, check network.CheckFunc, download network.DownloadFunc) string {
	t.Helper()
	updaterconfig.Reset()
	t.Cleanup(updaterconfig.Reset)

	dir := t.TempDir()
	storageDir := filepath.Join(dir, "storage")
	downloadDir := filepath.Join(dir, "downloads")
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		t.Fatal(err)
	}

	baseArtifact := filepath.Join(dir, "base")
	if err := os.WriteFile(baseArtifact, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := updaterconfig.Init(updaterconfig.Config{
		StorageDir:     storageDir,
		DownloadDir:    downloadDir,
		AppID:          "foo",
		ReleaseVersion: "1.0.0+1",
		LibappPath:     baseArtifact,
		Platform:       baseartifact.PlatformLinux,
		Arch:           "x86_64",
		NetworkHooks:   network.Hooks{Check: check, Download: download},
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return downloadDir
}

func reinit(t *testing.T, releaseVersion string, check network.CheckFunc, download network.DownloadFunc) {
	t.Helper()
	prior, err := updaterconfig.Get()
	if err != nil {
		t.Fatal(err)
	}
	updaterconfig.Reset()
	prior.ReleaseVersion = releaseVersion
	if check != nil {
		prior.NetworkHooks.Check = check
	}
	if download != nil {
		prior.NetworkHooks.Download = download
	}
	if err := updaterconfig.Init(prior); err != nil {
		t.Fatal(err)
	}
}

func checkReturning(resp network.CheckResponse, err error) network.CheckFunc {
	return func(ctx context.Context, url string, req network.CheckRequest) (network.CheckResponse, error) {
		return resp, err
	}
}

func downloadWritingBytes(b []byte) network.DownloadFunc {
	return func(ctx context.Context, url, destPath string) error {
		return os.WriteFile(destPath, b, 0o644)
	}
}

func TestHappyInstall(t *testing.T) {
	hash := scenario1Hash
	downloadDir := setup(t,
		checkReturning(network.CheckResponse{
			PatchAvailable: true,
			Patch:          &network.PatchOffer{Number: 1, Hash: hash, DownloadURL: "http://example.com/1"},
		}, nil),
		downloadWritingBytes(scenario1Delta))
	_ = downloadDir

	u := New()
	status, err := u.Update(context.Background())
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if status != UpdateInstalled {
		t.Fatalf("Update() status = %v, want UpdateInstalled", status)
	}

	info, ok, err := u.NextBootPatch()
	if err != nil {
		t.Fatalf("NextBootPatch() error = %v", err)
	}
	if !ok || info.Number != 1 {
		t.Fatalf("NextBootPatch() = %+v, %v, want patch 1", info, ok)
	}

	got, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatalf("read next boot patch: %v", err)
	}
	if string(got) != "hello tests" {
		t.Errorf("patch contents = %q, want %q", got, "hello tests")
	}
	sum := sha256.Sum256(got)
	if hex.EncodeToString(sum[:]) != scenario1Hash {
		t.Errorf("patch hash = %x, want %s", sum, scenario1Hash)
	}
}

func TestNoUpdate(t *testing.T) {
	downloadDir := setup(t,
		checkReturning(network.CheckResponse{PatchAvailable: false}, nil),
		func(ctx context.Context, url, destPath string) error {
			t.Fatal("download should not be called when no patch is available")
			return nil
		})

	u := New()
	status, err := u.Update(context.Background())
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if status != NoUpdate {
		t.Errorf("Update() status = %v, want NoUpdate", status)
	}
	entries, err := os.ReadDir(downloadDir)
	if err == nil && len(entries) != 0 {
		t.Errorf("downloads dir = %v, want empty", entries)
	}
}

func TestPatchCheckFailure(t *testing.T) {
	setup(t,
		checkReturning(network.CheckResponse{}, errors.New("boom")),
		func(ctx context.Context, url, destPath string) error { return nil })

	u := New()
	status, err := u.Update(context.Background())
	if err == nil {
		t.Fatal("Update() expected error on patch check failure")
	}
	if status != UpdateHadError {
		t.Errorf("Update() status = %v, want UpdateHadError", status)
	}

	_, ok, _ := u.NextBootPatch()
	if ok {
		t.Error("NextBootPatch() should remain unset after a failed check")
	}
}

func TestDownloadFailure(t *testing.T) {
	setup(t,
		checkReturning(network.CheckResponse{
			PatchAvailable: true,
			Patch:          &network.PatchOffer{Number: 1, Hash: "deadbeef", DownloadURL: "http://example.com/1"},
		}, nil),
		func(ctx context.Context, url, destPath string) error { return errors.New("connection reset") })

	u := New()
	status, err := u.Update(context.Background())
	if err == nil {
		t.Fatal("Update() expected error on download failure")
	}
	if status != UpdateHadError {
		t.Errorf("Update() status = %v, want UpdateHadError", status)
	}
	_, ok, _ := u.NextBootPatch()
	if ok {
		t.Error("NextBootPatch() should remain unset after a failed download")
	}
}

func TestBootStartThenFailureRollsBack(t *testing.T) {
	check := checkReturning(network.CheckResponse{
		PatchAvailable: true,
		Patch:          &network.PatchOffer{Number: 1, Hash: scenario1Hash, DownloadURL: "http://example.com/1"},
	}, nil)
	setup(t, check, downloadWritingBytes(scenario1Delta))

	u := New()
	if _, err := u.Update(context.Background()); err != nil {
		t.Fatalf("initial Update() error = %v", err)
	}

	if err := u.ReportLaunchStart(); err != nil {
		t.Fatalf("ReportLaunchStart() error = %v", err)
	}
	current, ok, err := u.CurrentBootPatch()
	if err != nil || !ok || current.Number != 1 {
		t.Fatalf("CurrentBootPatch() = %+v, %v, %v, want patch 1", current, ok, err)
	}

	if err := u.ReportLaunchFailure(); err != nil {
		t.Fatalf("ReportLaunchFailure() error = %v", err)
	}

	_, ok, err = u.NextBootPatch()
	if err != nil {
		t.Fatalf("NextBootPatch() error = %v", err)
	}
	if ok {
		t.Error("NextBootPatch() should be unset: patch 1 was the only patch and is now bad")
	}

	status, err := u.Update(context.Background())
	if err != nil {
		t.Fatalf("repeat Update() error = %v", err)
	}
	if status != NoUpdate {
		t.Errorf("repeat Update() status = %v, want NoUpdate (patch 1 is known-bad)", status)
	}
}

func TestReleaseVersionBumpResetsPatches(t *testing.T) {
	check := checkReturning(network.CheckResponse{
		PatchAvailable: true,
		Patch:          &network.PatchOffer{Number: 1, Hash: scenario1Hash, DownloadURL: "http://example.com/1"},
	}, nil)
	setup(t, check, downloadWritingBytes(scenario1Delta))

	u := New()
	if _, err := u.Update(context.Background()); err != nil {
		t.Fatalf("initial Update() error = %v", err)
	}

	reinit(t, "1.0.0+2", nil, nil)

	_, ok, err := u.NextBootPatch()
	if err != nil {
		t.Fatalf("NextBootPatch() error = %v", err)
	}
	if ok {
		t.Error("NextBootPatch() should be unset after a release version bump")
	}
}

func TestUpdateIsSingleFlight(t *testing.T) {
	setup(t,
		checkReturning(network.CheckResponse{PatchAvailable: false}, nil),
		func(ctx context.Context, url, destPath string) error { return nil })

	if !updaterconfig.TryLockUpdate() {
		t.Fatal("failed to acquire the updater lock to simulate an in-flight update")
	}
	defer updaterconfig.UnlockUpdate()

	u := New()
	_, err := u.Update(context.Background())
	if !updatererr.Is(err, updatererr.KindUpdateAlreadyInProgress) {
		t.Errorf("Update() while locked: error kind = %v, want KindUpdateAlreadyInProgress", updatererr.Classify(err))
	}
}

func TestReportLaunchStartNoNextBootIsNoOp(t *testing.T) {
	setup(t,
		checkReturning(network.CheckResponse{PatchAvailable: false}, nil),
		func(ctx context.Context, url, destPath string) error { return nil })

	u := New()
	err := u.ReportLaunchStart()
	if !updatererr.Is(err, updatererr.KindInvalidState) {
		t.Errorf("ReportLaunchStart() with no next-boot patch: error kind = %v, want KindInvalidState", updatererr.Classify(err))
	}
}

func TestHappyInstallUsesExternalFileProviderWhenConfigured(t *testing.T) {
	updaterconfig.Reset()
	t.Cleanup(updaterconfig.Reset)

	dir := t.TempDir()
	storageDir := filepath.Join(dir, "storage")
	downloadDir := filepath.Join(dir, "downloads")
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		t.Fatal(err)
	}

	base := []byte("hello world")
	pos := 0
	provider := &baseartifact.ExternalFileProvider{
		OpenFunc: func() (any, error) { pos = 0; return struct{}{}, nil },
		ReadFunc: func(handle any, buf []byte) (int, error) {
			n := copy(buf, base[pos:])
			pos += n
			return n, nil
		},
		SeekFunc: func(handle any, offset int64, whence int) (int64, error) {
			pos = int(offset)
			return offset, nil
		},
		CloseFunc: func(handle any) error { return nil },
	}

	err := updaterconfig.Init(updaterconfig.Config{
		StorageDir:     storageDir,
		DownloadDir:    downloadDir,
		AppID:          "foo",
		ReleaseVersion: "1.0.0+1",
		// LibappPath deliberately left empty/bogus: a FileProvider must
		// take priority over the platform/path-based opener.
		LibappPath:   "/does/not/exist",
		Platform:     baseartifact.PlatformLinux,
		Arch:         "x86_64",
		FileProvider: provider,
		NetworkHooks: network.Hooks{
			Check: checkReturning(network.CheckResponse{
				PatchAvailable: true,
				Patch:          &network.PatchOffer{Number: 1, Hash: scenario1Hash, DownloadURL: "http://example.com/1"},
			}, nil),
			Download: downloadWritingBytes(scenario1Delta),
		},
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	u := New()
	status, err := u.Update(context.Background())
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if status != UpdateInstalled {
		t.Fatalf("Update() status = %v, want UpdateInstalled", status)
	}

	info, ok, err := u.NextBootPatch()
	if err != nil || !ok || info.Number != 1 {
		t.Fatalf("NextBootPatch() = %+v, %v, %v, want patch 1", info, ok, err)
	}
	got, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatalf("read next boot patch: %v", err)
	}
	if string(got) != "hello tests" {
		t.Errorf("patch contents = %q, want %q", got, "hello tests")
	}
}
