// Package network implements C7: the typed patch-check request/response
// and the pluggable download/check hooks the update pipeline calls
// through, per spec.md §4.7 and §6.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/shorebirdtech/updater-sub000/internal/updatererr"
)

const userAgent = "shorebird-updater-sub000/1.0"

// CheckRequest is the body of a patch-check request, per spec.md §4.7/§6.
type CheckRequest struct {
	AppID          string `json:"app_id"`
	Channel        string `json:"channel"`
	ReleaseVersion string `json:"release_version"`
	PatchNumber    *int   `json:"patch_number,omitempty"`
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
}

// PatchOffer describes the patch a server is offering.
type PatchOffer struct {
	Number        int    `json:"number"`
	Hash          string `json:"hash"`
	DownloadURL   string `json:"download_url"`
	HashSignature string `json:"hash_signature,omitempty"`
}

// CheckResponse is the decoded body of a patch-check response.
type CheckResponse struct {
	PatchAvailable       bool        `json:"patch_available"`
	Patch                *PatchOffer `json:"patch,omitempty"`
	RolledBackPatchNums  []int       `json:"rolled_back_patch_numbers,omitempty"`
}

// CheckFunc sends a patch-check request to url and returns the decoded
// response.
type CheckFunc func(ctx context.Context, url string, req CheckRequest) (CheckResponse, error)

// DownloadFunc downloads the bytes at url into the file at destPath.
type DownloadFunc func(ctx context.Context, url, destPath string) error

// Hooks bundles the two network entry points the pipeline consumes. Both
// are function-typed so hosts and tests can inject fakes, per spec.md
// §4.7.
type Hooks struct {
	Check    CheckFunc
	Download DownloadFunc
}

// CheckURL returns the patch-check endpoint for baseURL, per spec.md §6.
func CheckURL(baseURL string) string {
	return baseURL + "/api/v1/patches/check"
}

// DefaultHooks returns the Hooks backed by real HTTP calls, using the
// given *http.Client (a zero-value client is fine; callers typically
// share one with a timeout set).
func DefaultHooks(client *http.Client) Hooks {
	if client == nil {
		client = http.DefaultClient
	}
	return Hooks{
		Check:    defaultCheck(client),
		Download: defaultDownload(client),
	}
}

func defaultCheck(client *http.Client) CheckFunc {
	return func(ctx context.Context, url string, req CheckRequest) (CheckResponse, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return CheckResponse{}, fmt.Errorf("encode patch check request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return CheckResponse{}, fmt.Errorf("build patch check request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("User-Agent", userAgent)

		resp, err := client.Do(httpReq)
		if err != nil {
			return CheckResponse{}, translateNetworkError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return CheckResponse{}, updatererr.New(updatererr.KindBadServerResponse,
				fmt.Sprintf("patch check request returned status %d", resp.StatusCode))
		}

		var out CheckResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return CheckResponse{}, updatererr.Wrap(updatererr.KindBadServerResponse,
				fmt.Errorf("decode patch check response: %w", err))
		}
		if out.PatchAvailable && out.Patch == nil {
			return CheckResponse{}, updatererr.New(updatererr.KindBadServerResponse,
				"server reported patch_available but included no patch")
		}
		return out, nil
	}
}

func defaultDownload(client *http.Client) DownloadFunc {
	return func(ctx context.Context, url, destPath string) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build download request: %w", err)
		}
		httpReq.Header.Set("User-Agent", userAgent)

		resp, err := client.Do(httpReq)
		if err != nil {
			return translateNetworkError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return updatererr.New(updatererr.KindBadServerResponse,
				fmt.Sprintf("download request returned status %d", resp.StatusCode))
		}

		if dir := filepath.Dir(destPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create download dir %s: %w", dir, err)
			}
		}

		out, err := os.Create(destPath)
		if err != nil {
			return fmt.Errorf("create download file %s: %w", destPath, err)
		}
		defer out.Close()

		if _, err := io.Copy(out, resp.Body); err != nil {
			return fmt.Errorf("write download to %s: %w", destPath, err)
		}
		return nil
	}
}

// translateNetworkError surfaces a DNS-resolution failure as a
// user-facing "network error", per spec.md §4.7; other transport errors
// pass through unwrapped kind-wise (callers still see the underlying
// error text via %w).
func translateNetworkError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return updatererr.New(updatererr.KindNetworkError,
			"network error: please check your internet connection")
	}
	return fmt.Errorf("request failed: %w", err)
}
