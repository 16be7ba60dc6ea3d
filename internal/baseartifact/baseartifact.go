// Package baseartifact implements C5: opening a seekable reader over the
// base artifact bytes a delta is applied against, per host platform.
//
// On Android the base artifact lives inside a split APK (a ZIP container)
// at a named entry; that entry must be stored, not deflated, so random
// access during patch application is cheap. On iOS/macOS/Linux/Windows
// the base artifact is a bare file. An external file provider variant
// lets a host that denies direct filesystem access supply
// open/read/seek/close callbacks instead.
package baseartifact

import (
	"archive/zip"
	"fmt"
	"io"
	"os"

	"github.com/shorebirdtech/updater-sub000/internal/updatererr"
)

// Platform mirrors the platform vocabulary of spec.md §6.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// Opener is the capability the update pipeline consumes to get a seekable
// reader over the base artifact's bytes.
type Opener interface {
	Open(appDir, libName string) (io.ReadSeeker, io.Closer, error)
}

// ForPlatform returns the Opener appropriate for platform, or an
// unknown-platform error for anything not in spec.md's platform
// vocabulary.
func ForPlatform(platform Platform) (Opener, error) {
	switch platform {
	case PlatformAndroid:
		return androidOpener{}, nil
	case PlatformIOS, PlatformMacOS, PlatformLinux, PlatformWindows:
		return fileOpener{}, nil
	default:
		return nil, updatererr.New(updatererr.KindUnknownPlatform,
			fmt.Sprintf("unknown platform %q", platform))
	}
}

// fileOpener treats appDir as a bare file path, used on iOS/desktop.
// Unlike the original implementation (which buffers the whole file into
// memory to get a seekable cursor), *os.File is already an io.ReadSeeker,
// so no buffering is needed here.
type fileOpener struct{}

func (fileOpener) Open(appDir, _ string) (io.ReadSeeker, io.Closer, error) {
	f, err := os.Open(appDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open base artifact %q: %w", appDir, err)
	}
	return f, f, nil
}

// androidOpener treats appDir as the path to a split APK (a ZIP archive)
// and libName as the entry to locate within it (conventionally
// "lib/<abi>/libapp.so").
type androidOpener struct{}

func (androidOpener) Open(appDir, libName string) (io.ReadSeeker, io.Closer, error) {
	r, err := zip.OpenReader(appDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open APK %q: %w", appDir, err)
	}

	var entry *zip.File
	for _, f := range r.File {
		if f.Name == libName {
			entry = f
			break
		}
	}
	if entry == nil {
		r.Close()
		return nil, nil, updatererr.New(updatererr.KindInvalidState,
			fmt.Sprintf("entry %q not found in %q", libName, appDir))
	}
	if entry.Method != zip.Store {
		r.Close()
		return nil, nil, updatererr.New(updatererr.KindInvalidState,
			fmt.Sprintf("entry %q in %q is compressed, expected stored", libName, appDir))
	}

	// zip.File only exposes a streaming io.ReadCloser; random access for
	// the patch applier requires a seekable reader over the entry's raw
	// bytes, which live at a fixed offset/length inside the archive.
	offset, err := entry.DataOffset()
	if err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("locate entry %q in %q: %w", libName, appDir, err)
	}

	archiveFile, err := os.Open(appDir)
	if err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("reopen APK %q: %w", appDir, err)
	}
	sr := io.NewSectionReader(archiveFile, offset, int64(entry.UncompressedSize64))

	return sr, multiCloser{archiveFile, r}, nil
}

type multiCloser struct {
	file *os.File
	zr   *zip.ReadCloser
}

func (c multiCloser) Close() error {
	err1 := c.file.Close()
	err2 := c.zr.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ExternalFileProvider models a host-supplied open/read/seek/close
// callback set, for platforms where the library is denied direct
// filesystem access to the app package.
type ExternalFileProvider struct {
	OpenFunc  func() (any, error)
	ReadFunc  func(handle any, buf []byte) (int, error)
	SeekFunc  func(handle any, offset int64, whence int) (int64, error)
	CloseFunc func(handle any) error
}

// Open implements Opener by delegating to the host-supplied callbacks,
// wrapped in an io.ReadSeeker/io.Closer adapter.
func (p ExternalFileProvider) Open(string, string) (io.ReadSeeker, io.Closer, error) {
	handle, err := p.OpenFunc()
	if err != nil {
		return nil, nil, fmt.Errorf("external file provider open: %w", err)
	}
	rs := &externalReadSeeker{provider: p, handle: handle}
	return rs, rs, nil
}

type externalReadSeeker struct {
	provider ExternalFileProvider
	handle   any
}

func (e *externalReadSeeker) Read(p []byte) (int, error) {
	n, err := e.provider.ReadFunc(e.handle, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (e *externalReadSeeker) Seek(offset int64, whence int) (int64, error) {
	return e.provider.SeekFunc(e.handle, offset, whence)
}

func (e *externalReadSeeker) Close() error {
	return e.provider.CloseFunc(e.handle)
}
