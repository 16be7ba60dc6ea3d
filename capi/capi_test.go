package capi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shorebirdtech/updater-sub000/internal/network"
	"github.com/shorebirdtech/updater-sub000/internal/updaterconfig"
)

func resetAfter(t *testing.T) {
	t.Helper()
	updaterconfig.Reset()
	t.Cleanup(updaterconfig.Reset)
}

func TestInitParsesYAMLAndAppliesDefaults(t *testing.T) {
	resetAfter(t)
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	os.WriteFile(base, []byte("hello world"), 0o644)

	err := Init(Params{StorageDir: dir, ReleaseVersion: "1.0.0+1", LibappPath: base},
		[]byte("app_id: foo\n"))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	auto, err := ShouldAutoUpdate()
	if err != nil {
		t.Fatalf("ShouldAutoUpdate() error = %v", err)
	}
	if !auto {
		t.Error("ShouldAutoUpdate() = false, want true (default)")
	}
}

func TestInitRejectsSignatureWithNoKey(t *testing.T) {
	resetAfter(t)
	dir := t.TempDir()
	err := Init(Params{StorageDir: dir, ReleaseVersion: "1.0.0+1"},
		[]byte("app_id: foo\npatch_verification: signature\n"))
	if err == nil {
		t.Fatal("Init() expected error: signature verification with no public key")
	}
}

func TestCheckForUpdateReflectsServerResponse(t *testing.T) {
	resetAfter(t)
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	os.WriteFile(base, []byte("hello world"), 0o644)

	hooks := network.Hooks{
		Check: func(ctx context.Context, url string, req network.CheckRequest) (network.CheckResponse, error) {
			return network.CheckResponse{PatchAvailable: true}, nil
		},
		Download: func(ctx context.Context, url, destPath string) error { return nil },
	}
	if err := Init(Params{StorageDir: dir, ReleaseVersion: "1.0.0+1", LibappPath: base, NetworkHooks: &hooks},
		[]byte("app_id: foo\n")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	available, err := CheckForUpdate(context.Background())
	if err != nil {
		t.Fatalf("CheckForUpdate() error = %v", err)
	}
	if !available {
		t.Error("CheckForUpdate() = false, want true")
	}
}

func TestNextBootPatchNumberZeroWhenNone(t *testing.T) {
	resetAfter(t)
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	os.WriteFile(base, []byte("hello world"), 0o644)

	if err := Init(Params{StorageDir: dir, ReleaseVersion: "1.0.0+1", LibappPath: base},
		[]byte("app_id: foo\n")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if n := NextBootPatchNumber(); n != 0 {
		t.Errorf("NextBootPatchNumber() = %d, want 0", n)
	}
	if p := NextBootPatchPath(); p != "" {
		t.Errorf("NextBootPatchPath() = %q, want empty", p)
	}
}

func TestUpdateWithResultNeverReturnsGoError(t *testing.T) {
	resetAfter(t)
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	os.WriteFile(base, []byte("hello world"), 0o644)

	hooks := network.Hooks{
		Check: func(ctx context.Context, url string, req network.CheckRequest) (network.CheckResponse, error) {
			return network.CheckResponse{}, context.DeadlineExceeded
		},
		Download: func(ctx context.Context, url, destPath string) error { return nil },
	}
	if err := Init(Params{StorageDir: dir, ReleaseVersion: "1.0.0+1", LibappPath: base, NetworkHooks: &hooks},
		[]byte("app_id: foo\n")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	result := UpdateWithResult(context.Background())
	if result.Status != StatusUpdateError {
		t.Errorf("UpdateWithResult().Status = %d, want StatusUpdateError", result.Status)
	}
	if result.Message == "" {
		t.Error("UpdateWithResult().Message should describe the failure")
	}
}
