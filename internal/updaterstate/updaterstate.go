// Package updaterstate wraps the patch manager (C3) with the per-device
// client id and per-release state (release version, queued analytics
// events), implementing the load/reset rules that fire when the host's
// reported release version changes or the on-disk state is corrupt.
package updaterstate

import (
	"errors"
	"log"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/shorebirdtech/updater-sub000/internal/patchmanager"
	"github.com/shorebirdtech/updater-sub000/internal/store"
)

const stateFileName = "state.json"

// EventType enumerates the analytics events the updater can queue.
type EventType string

// PatchInstallEvent is the only event type currently emitted; its wire
// identifier matches the original implementation exactly.
const PatchInstallEvent EventType = "__patch_install__"

// PatchEvent is a single queued analytics event.
type PatchEvent struct {
	Type          EventType `json:"type"`
	AppID         string    `json:"app_id"`
	PatchNumber   int       `json:"patch_number"`
	ReleaseVersion string   `json:"release_version"`
	ClientID      string    `json:"client_id"`
}

type serializedState struct {
	ClientID       string      `json:"client_id"`
	ReleaseVersion string      `json:"release_version"`
	QueuedEvents   []PatchEvent `json:"queued_events"`
}

// State is the per-process updater state: C3's patch manager plus the
// per-device/per-release envelope owned by this package.
type State struct {
	storageDir string
	serialized serializedState
	Patches    patchmanager.Manager
}

func statePath(storageDir string) string {
	return filepath.Join(storageDir, stateFileName)
}

// Load implements the three-way branch of spec.md §4.4:
//   - no state file on disk: construct fresh state with a new client id.
//   - state file present but release_version differs from releaseVersion:
//     preserve client_id, reset everything else, and reset the patch
//     manager (clearing PatchesState and the patches directory).
//   - state file present but fails to parse (and is not file-not-found):
//     log and construct fresh state with a new client id, also resetting
//     the patch manager.
func Load(storageDir, releaseVersion, publicKeyB64DER string, mode patchmanager.VerificationMode) (*State, error) {
	path := statePath(storageDir)

	var loaded serializedState
	err := store.Read(path, &loaded)
	switch {
	case err == nil && loaded.ReleaseVersion == releaseVersion:
		s := &State{
			storageDir: storageDir,
			serialized: loaded,
			Patches:    patchmanager.NewFileManager(storageDir, publicKeyB64DER, mode),
		}
		return s, nil

	case err == nil: // release_version changed
		clientID := loaded.ClientID
		s := &State{
			storageDir: storageDir,
			serialized: serializedState{ClientID: clientID, ReleaseVersion: releaseVersion},
			Patches:    patchmanager.NewFileManager(storageDir, publicKeyB64DER, mode),
		}
		if err := s.Patches.Reset(); err != nil {
			return nil, err
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil

	case errors.Is(err, store.ErrNotExist):
		s := newState(storageDir, releaseVersion, publicKeyB64DER, mode)
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil

	default:
		log.Printf("[updaterstate] failed to parse %s, resetting: %v", path, err)
		s := newState(storageDir, releaseVersion, publicKeyB64DER, mode)
		if err := s.Patches.Reset(); err != nil {
			return nil, err
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
}

func newState(storageDir, releaseVersion, publicKeyB64DER string, mode patchmanager.VerificationMode) *State {
	return &State{
		storageDir: storageDir,
		serialized: serializedState{
			ClientID:       uuid.NewString(),
			ReleaseVersion: releaseVersion,
		},
		Patches: patchmanager.NewFileManager(storageDir, publicKeyB64DER, mode),
	}
}

func (s *State) save() error {
	return store.Write(&s.serialized, statePath(s.storageDir))
}

// ClientID returns the per-device client id, stable across release
// version changes.
func (s *State) ClientID() string { return s.serialized.ClientID }

// ReleaseVersion returns the release version this state was loaded for.
func (s *State) ReleaseVersion() string { return s.serialized.ReleaseVersion }

// QueueEvent appends an analytics event to the pending queue and
// persists it.
func (s *State) QueueEvent(event PatchEvent) error {
	s.serialized.QueuedEvents = append(s.serialized.QueuedEvents, event)
	return s.save()
}

// CopyEvents returns up to limit queued events without clearing them.
func (s *State) CopyEvents(limit int) []PatchEvent {
	if limit <= 0 || limit > len(s.serialized.QueuedEvents) {
		limit = len(s.serialized.QueuedEvents)
	}
	out := make([]PatchEvent, limit)
	copy(out, s.serialized.QueuedEvents[:limit])
	return out
}

// ClearEvents empties the queued events and persists the change.
func (s *State) ClearEvents() error {
	s.serialized.QueuedEvents = nil
	return s.save()
}
