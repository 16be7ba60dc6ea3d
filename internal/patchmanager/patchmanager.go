// Package patchmanager implements the patch lifecycle engine: the
// per-patch files on disk and the durable PatchesState that tracks which
// patch is next-boot, currently-booting, known-good, known-bad, or the
// last one to boot successfully.
package patchmanager

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/shorebirdtech/updater-sub000/internal/signing"
	"github.com/shorebirdtech/updater-sub000/internal/store"
	"github.com/shorebirdtech/updater-sub000/internal/updatererr"
)

const (
	patchesDirName     = "patches"
	patchesStateFile   = "patches_state.json"
	patchFileExtension = ".vmcode"
)

// PatchInfo is what the host gets back for an installed patch.
type PatchInfo struct {
	Number int    `json:"number"`
	Path   string `json:"path"`
}

// patchMeta records the signature metadata needed to re-verify a patch
// file during validate_next_boot_patch.
type patchMeta struct {
	HashHex        string `json:"hash_hex"`
	HashSignature  string `json:"hash_signature,omitempty"`
}

// patchesState is the durable state owned by this package, serialized to
// patches_state.json. Field names match spec.md's data model exactly.
type patchesState struct {
	AllPatches                      map[int]patchMeta `json:"all_patches"`
	KnownGoodPatchNumbers           map[int]bool      `json:"known_good_patch_numbers"`
	KnownBadPatchNumbers            map[int]bool      `json:"known_bad_patch_numbers"`
	NextBootPatchNumber             *int              `json:"next_boot_patch_number,omitempty"`
	CurrentlyBootingPatchNumber     *int              `json:"currently_booting_patch_number,omitempty"`
	LastSuccessfullyBootedPatchNum  *int              `json:"last_successfully_booted_patch_number,omitempty"`
}

func newPatchesState() patchesState {
	return patchesState{
		AllPatches:            map[int]patchMeta{},
		KnownGoodPatchNumbers: map[int]bool{},
		KnownBadPatchNumbers:  map[int]bool{},
	}
}

// Manager is the capability set the update pipeline consumes. It is
// specified as an interface so the pipeline can be tested against a mock.
type Manager interface {
	AddPatch(number int, srcPath, hashHex, signatureB64 string) error
	RemovePatch(number int) error
	RecordBootStart(number int) error
	RecordBootSuccess() error
	RecordBootFailure(number int) error
	SelectNextBootable() (int, bool)
	NextBootPatch() (PatchInfo, bool)
	CurrentBootPatch() (PatchInfo, bool)
	IsKnownBad(number int) bool
	IsKnownGood(number int) bool
	LatestPatchNumber() (int, bool)
	ValidateNextBootPatch(publicKeyB64DER string, verifySignature bool) error
	Reset() error
}

// VerificationMode controls how add_patch and validate_next_boot_patch
// treat signatures, per spec.md §9's "signature verification mode" note.
type VerificationMode int

const (
	VerificationNone VerificationMode = iota
	VerificationHash
	VerificationSignature
)

// FileManager is the on-disk Manager implementation.
type FileManager struct {
	rootDir         string
	state           patchesState
	publicKeyB64DER string
	mode            VerificationMode
}

// NewFileManager loads (or initializes) the patches state rooted at
// rootDir. publicKeyB64DER and mode configure add_patch/validate
// signature requirements per spec.md §9.
func NewFileManager(rootDir, publicKeyB64DER string, mode VerificationMode) *FileManager {
	m := &FileManager{rootDir: rootDir, publicKeyB64DER: publicKeyB64DER, mode: mode}
	path := m.statePath()
	var loaded patchesState
	if err := store.Read(path, &loaded); err != nil {
		m.state = newPatchesState()
	} else {
		if loaded.AllPatches == nil {
			loaded.AllPatches = map[int]patchMeta{}
		}
		if loaded.KnownGoodPatchNumbers == nil {
			loaded.KnownGoodPatchNumbers = map[int]bool{}
		}
		if loaded.KnownBadPatchNumbers == nil {
			loaded.KnownBadPatchNumbers = map[int]bool{}
		}
		m.state = loaded
	}
	return m
}

func (m *FileManager) statePath() string {
	return filepath.Join(m.rootDir, patchesStateFile)
}

func (m *FileManager) patchesDir() string {
	return filepath.Join(m.rootDir, patchesDirName)
}

func (m *FileManager) pathForPatch(number int) string {
	return filepath.Join(m.patchesDir(), fmt.Sprintf("%d%s", number, patchFileExtension))
}

func (m *FileManager) save() error {
	return store.Write(&m.state, m.statePath())
}

// AddPatch installs the file at srcPath as patch number, moving it into
// the patches directory, recording its hash (and signature, if present),
// and setting it as next-boot. It fails if number is already known.
func (m *FileManager) AddPatch(number int, srcPath, hashHex, signatureB64 string) error {
	if number <= 0 {
		return updatererr.New(updatererr.KindInvalidArgument, "patch number must be positive")
	}
	if _, exists := m.state.AllPatches[number]; exists {
		return updatererr.New(updatererr.KindInvalidArgument,
			fmt.Sprintf("patch %d already exists", number))
	}

	if m.mode == VerificationSignature {
		if m.publicKeyB64DER == "" {
			return updatererr.New(updatererr.KindInvalidState,
				"signature verification required but no public key configured")
		}
		if signatureB64 == "" {
			return updatererr.New(updatererr.KindSignatureInvalid, "patch signature required but missing")
		}
		if err := signing.CheckSignature(hashHex, signatureB64, m.publicKeyB64DER); err != nil {
			return err
		}
	}

	destPath := m.pathForPatch(number)
	if err := os.MkdirAll(m.patchesDir(), 0o755); err != nil {
		return updatererr.Wrap(updatererr.KindIOError, fmt.Errorf("create patches dir: %w", err))
	}
	if err := os.Rename(srcPath, destPath); err != nil {
		return updatererr.Wrap(updatererr.KindIOError, fmt.Errorf("install patch %d: %w", number, err))
	}

	m.state.AllPatches[number] = patchMeta{HashHex: hashHex, HashSignature: signatureB64}
	next := number
	m.state.NextBootPatchNumber = &next
	if err := m.save(); err != nil {
		return err
	}
	return nil
}

// RemovePatch deletes patch number's file and forgets it, recomputing
// next-boot if it pointed at number.
func (m *FileManager) RemovePatch(number int) error {
	if _, exists := m.state.AllPatches[number]; !exists {
		return updatererr.New(updatererr.KindInvalidArgument, fmt.Sprintf("patch %d is not known", number))
	}
	path := m.pathForPatch(number)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return updatererr.Wrap(updatererr.KindIOError, fmt.Errorf("remove patch %d: %w", number, err))
	}
	delete(m.state.AllPatches, number)

	if m.state.NextBootPatchNumber != nil && *m.state.NextBootPatchNumber == number {
		m.recomputeNextBootable()
	}
	return m.save()
}

// RecordBootStart transitions next-boot into currently-booting. It fails
// if number does not match the current next-boot patch.
func (m *FileManager) RecordBootStart(number int) error {
	if m.state.NextBootPatchNumber == nil || *m.state.NextBootPatchNumber != number {
		return updatererr.New(updatererr.KindInvalidState,
			fmt.Sprintf("patch %d is not the next-boot patch", number))
	}
	n := number
	m.state.CurrentlyBootingPatchNumber = &n
	return m.save()
}

// RecordBootSuccess promotes the currently-booting patch to known-good
// and last-successfully-booted, clearing currently-booting.
func (m *FileManager) RecordBootSuccess() error {
	if m.state.CurrentlyBootingPatchNumber == nil {
		return updatererr.New(updatererr.KindInvalidState, "no patch is currently booting")
	}
	n := *m.state.CurrentlyBootingPatchNumber
	m.state.KnownGoodPatchNumbers[n] = true
	delete(m.state.KnownBadPatchNumbers, n)
	last := n
	m.state.LastSuccessfullyBootedPatchNum = &last
	m.state.CurrentlyBootingPatchNumber = nil
	return m.save()
}

// RecordBootFailure marks number known-bad, clears currently-booting if it
// pointed at number, and recomputes next-boot.
func (m *FileManager) RecordBootFailure(number int) error {
	m.state.KnownBadPatchNumbers[number] = true
	delete(m.state.KnownGoodPatchNumbers, number)
	if m.state.CurrentlyBootingPatchNumber != nil && *m.state.CurrentlyBootingPatchNumber == number {
		m.state.CurrentlyBootingPatchNumber = nil
	}
	m.recomputeNextBootable()
	return m.save()
}

// SelectNextBootable recomputes and returns the highest patch number not
// in known-bad, or (0, false) if none exists. It does not persist; callers
// needing persistence call a mutating operation that invokes this
// internally (RemovePatch, RecordBootFailure) or Reset.
func (m *FileManager) SelectNextBootable() (int, bool) {
	return m.recomputeNextBootable()
}

func (m *FileManager) recomputeNextBootable() (int, bool) {
	best := -1
	for n := range m.state.AllPatches {
		if m.state.KnownBadPatchNumbers[n] {
			continue
		}
		if n > best {
			best = n
		}
	}
	if best == -1 {
		m.state.NextBootPatchNumber = nil
		return 0, false
	}
	m.state.NextBootPatchNumber = &best
	return best, true
}

func (m *FileManager) patchInfo(number int) PatchInfo {
	return PatchInfo{Number: number, Path: m.pathForPatch(number)}
}

// NextBootPatch returns the PatchInfo for the next-boot patch, if any.
func (m *FileManager) NextBootPatch() (PatchInfo, bool) {
	if m.state.NextBootPatchNumber == nil {
		return PatchInfo{}, false
	}
	return m.patchInfo(*m.state.NextBootPatchNumber), true
}

// CurrentBootPatch returns the PatchInfo for the currently-booting patch,
// falling back to the last-successfully-booted patch, per the original's
// current_boot_patch fallback logic.
func (m *FileManager) CurrentBootPatch() (PatchInfo, bool) {
	if m.state.CurrentlyBootingPatchNumber != nil {
		return m.patchInfo(*m.state.CurrentlyBootingPatchNumber), true
	}
	if m.state.LastSuccessfullyBootedPatchNum != nil {
		return m.patchInfo(*m.state.LastSuccessfullyBootedPatchNum), true
	}
	return PatchInfo{}, false
}

// IsKnownBad reports whether number has ever failed to boot or failed
// validation.
func (m *FileManager) IsKnownBad(number int) bool { return m.state.KnownBadPatchNumbers[number] }

// IsKnownGood reports whether number has booted successfully at least
// once.
func (m *FileManager) IsKnownGood(number int) bool { return m.state.KnownGoodPatchNumbers[number] }

// LatestPatchNumber returns the highest patch number known, good or bad.
func (m *FileManager) LatestPatchNumber() (int, bool) {
	best := -1
	for n := range m.state.AllPatches {
		if n > best {
			best = n
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// ValidateNextBootPatch re-hashes (and, if required, re-verifies the
// signature of) the next-boot patch file. On any mismatch it marks the
// patch bad, deletes its file, recomputes next-boot, and returns an
// error. publicKeyB64DER/verifySignature override the manager's configured
// mode for this single call, matching C9 passing a freshly-cloned config
// through on every call.
func (m *FileManager) ValidateNextBootPatch(publicKeyB64DER string, verifySignature bool) error {
	if m.state.NextBootPatchNumber == nil {
		return nil
	}
	n := *m.state.NextBootPatchNumber
	meta, ok := m.state.AllPatches[n]
	if !ok {
		return updatererr.New(updatererr.KindInvalidState, fmt.Sprintf("patch %d has no metadata", n))
	}

	fail := func(reason string) error {
		log.Printf("[patchmanager] validate_next_boot_patch: patch %d failed: %s", n, reason)
		m.state.KnownBadPatchNumbers[n] = true
		delete(m.state.KnownGoodPatchNumbers, n)
		os.Remove(m.pathForPatch(n))
		delete(m.state.AllPatches, n)
		m.recomputeNextBootable()
		if err := m.save(); err != nil {
			return err
		}
		return updatererr.New(updatererr.KindHashMismatch,
			fmt.Sprintf("patch %d failed validation: %s", n, reason))
	}

	actualHash, err := signing.HashFile(m.pathForPatch(n))
	if err != nil {
		return fail(fmt.Sprintf("could not hash patch file: %v", err))
	}
	if actualHash != meta.HashHex {
		return fail(fmt.Sprintf("hash mismatch: expected %s, got %s", meta.HashHex, actualHash))
	}
	if verifySignature {
		if err := signing.CheckSignature(meta.HashHex, meta.HashSignature, publicKeyB64DER); err != nil {
			return fail(fmt.Sprintf("signature invalid: %v", err))
		}
	}
	return nil
}

// Reset clears all patch state and deletes the patches directory,
// preparing for a new release version.
func (m *FileManager) Reset() error {
	m.state = newPatchesState()
	if err := m.save(); err != nil {
		return err
	}
	if err := os.RemoveAll(m.patchesDir()); err != nil {
		return updatererr.Wrap(updatererr.KindIOError, fmt.Errorf("delete patches dir: %w", err))
	}
	return nil
}

var _ Manager = (*FileManager)(nil)
