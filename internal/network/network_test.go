package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckURL(t *testing.T) {
	got := CheckURL("https://api.shorebird.dev")
	want := "https://api.shorebird.dev/api/v1/patches/check"
	if got != want {
		t.Errorf("CheckURL() = %s, want %s", got, want)
	}
}

func TestDefaultCheckHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"patch_available":true,"patch":{"number":1,"hash":"abc","download_url":"http://example.com/1"}}`))
	}))
	defer srv.Close()

	hooks := DefaultHooks(srv.Client())
	resp, err := hooks.Check(context.Background(), srv.URL, CheckRequest{AppID: "foo"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !resp.PatchAvailable || resp.Patch == nil || resp.Patch.Number != 1 {
		t.Errorf("Check() = %+v, want patch_available with patch 1", resp)
	}
}

func TestDefaultCheckNoUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"patch_available":false}`))
	}))
	defer srv.Close()

	hooks := DefaultHooks(srv.Client())
	resp, err := hooks.Check(context.Background(), srv.URL, CheckRequest{AppID: "foo"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if resp.PatchAvailable {
		t.Error("Check().PatchAvailable = true, want false")
	}
}

func TestDefaultCheckBadServerResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"patch_available":true}`))
	}))
	defer srv.Close()

	hooks := DefaultHooks(srv.Client())
	_, err := hooks.Check(context.Background(), srv.URL, CheckRequest{AppID: "foo"})
	if err == nil {
		t.Fatal("Check() expected error when patch_available is true but patch is missing")
	}
}

func TestDefaultDownloadWritesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("delta bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "nested", "1")

	hooks := DefaultHooks(srv.Client())
	if err := hooks.Download(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != "delta bytes" {
		t.Errorf("downloaded content = %q, want %q", got, "delta bytes")
	}
}

func TestDefaultDownloadErrsOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	hooks := DefaultHooks(srv.Client())
	err := hooks.Download(context.Background(), srv.URL, filepath.Join(dir, "1"))
	if err == nil {
		t.Fatal("Download() expected error for 404 response, got nil")
	}
}
