// Package updaterconfig implements C9: the process-wide UpdateConfig
// singleton and the updater's single-flight try-lock.
//
// Lock ordering (documented here rather than enforced by the type system,
// same as the reference implementation): the updater try-lock may be
// acquired without holding the config mutex. The reverse is allowed — the
// update pipeline may briefly re-enter the config mutex to clone a fresh
// config for reads. Never acquire the config mutex and then block on the
// updater lock; that serializes host main-thread config reads behind a
// long-running update.
package updaterconfig

import (
	"path/filepath"
	"runtime"
	"sync"

	"github.com/shorebirdtech/updater-sub000/internal/baseartifact"
	"github.com/shorebirdtech/updater-sub000/internal/network"
	"github.com/shorebirdtech/updater-sub000/internal/patchmanager"
	"github.com/shorebirdtech/updater-sub000/internal/updatererr"
)

const (
	DefaultBaseURL = "https://api.shorebird.dev"
	DefaultChannel = "stable"
)

// Config is the process-wide, immutable-after-init configuration, per
// spec.md §3.
type Config struct {
	StorageDir      string
	DownloadDir     string
	AppID           string
	Channel         string
	BaseURL         string
	AutoUpdate      bool
	ReleaseVersion  string
	LibappPath      string
	Platform        baseartifact.Platform
	Arch            string
	NetworkHooks    network.Hooks
	FileProvider    *baseartifact.ExternalFileProvider
	PatchPublicKey  string
	VerificationMode patchmanager.VerificationMode
}

// Clone returns a shallow copy of c, safe to use after releasing the
// config mutex: callers clone-then-release so downstream I/O never holds
// the lock.
func (c Config) Clone() Config { return c }

var (
	mu  sync.Mutex
	cfg *Config

	updateMu sync.Mutex
)

// Init sets the process-wide config. It fails with
// KindUpdaterAlreadyInitialized if called more than once per process.
func Init(c Config) error {
	mu.Lock()
	defer mu.Unlock()
	if cfg != nil {
		return updatererr.New(updatererr.KindUpdaterAlreadyInitialized,
			"updater config already initialized")
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.StorageDir, "..", "code_cache", "downloads")
	}
	clone := c
	cfg = &clone
	return nil
}

// Get returns a clone of the current config. Callers never hold the
// config mutex across I/O: Get copies the config under the lock and
// releases the lock before returning. The main update pipeline uses Get
// for exactly this reason — its downstream network/disk I/O must not
// serialize behind the config mutex.
func Get() (Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if cfg == nil {
		return Config{}, updatererr.New(updatererr.KindConfigNotInitialized, "updater config not initialized")
	}
	return cfg.Clone(), nil
}

// WithConfig runs fn with a snapshot of the current config, holding the
// config mutex for fn's entire duration. spec.md §5(b)/"Shared resources"
// requires launch reporting and next/current-boot-patch reads to
// serialize through the config mutex so patches_state.json has a single
// logical writer at a time; unlike Get, this does not release the lock
// before the caller's load-mutate-save sequence runs.
func WithConfig(fn func(Config) error) error {
	mu.Lock()
	defer mu.Unlock()
	if cfg == nil {
		return updatererr.New(updatererr.KindConfigNotInitialized, "updater config not initialized")
	}
	return fn(cfg.Clone())
}

// Reset clears the process-wide config. Intended for tests only; a real
// host process calls Init exactly once per process lifetime.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cfg = nil
}

// TryLockUpdate attempts to acquire the single-flight updater lock
// without blocking. It reports false if an update is already in
// progress. Callers must call UnlockUpdate when done.
func TryLockUpdate() bool {
	return updateMu.TryLock()
}

// UnlockUpdate releases the single-flight updater lock.
func UnlockUpdate() {
	updateMu.Unlock()
}

// CurrentPlatform maps runtime.GOOS onto spec.md's platform vocabulary.
func CurrentPlatform() baseartifact.Platform {
	switch runtime.GOOS {
	case "android":
		return baseartifact.PlatformAndroid
	case "ios":
		return baseartifact.PlatformIOS
	case "darwin":
		return baseartifact.PlatformMacOS
	case "windows":
		return baseartifact.PlatformWindows
	default:
		return baseartifact.PlatformLinux
	}
}

// CurrentArch maps runtime.GOARCH onto spec.md's arch vocabulary.
func CurrentArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "aarch64"
	case "amd64":
		return "x86_64"
	case "386":
		return "x86"
	case "arm":
		return "arm"
	default:
		return runtime.GOARCH
	}
}
