package killswitch

import (
	"context"
	"fmt"
	"sync"

	"github.com/ducminhle1904/trade-guard/internal/state"
)

// Store persists kill switch state. Save must never expose a half-written state.
type Store interface {
	// Load returns the persisted state. found is false when nothing was ever saved.
	Load(ctx context.Context) (st State, found bool, err error)
	Save(ctx context.Context, st State) error
}

// FileStore keeps state in a JSON file written through a write-ahead intent
// and an atomic rename, so concurrent sessions sharing the file never see a torn write.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the state file, rolling a pending intent forward first
func (f *FileStore) Load(_ context.Context) (State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var intent State
	pending, err := state.ReadIntent(f.path, &intent)
	if err != nil {
		// A torn intent was never committed; the state file still holds the last good state
		if clearErr := state.ClearIntent(f.path); clearErr != nil {
			return State{}, false, fmt.Errorf("%w: %v", ErrStateUnreadable, clearErr)
		}
	} else if pending {
		if err := state.WriteJSONAtomic(f.path, intent); err != nil {
			return State{}, false, fmt.Errorf("%w: roll forward: %v", ErrStateUnreadable, err)
		}
		if err := state.ClearIntent(f.path); err != nil {
			return State{}, false, err
		}
		return intent, true, nil
	}

	var st State
	found, err := state.ReadJSON(f.path, &st)
	if err != nil {
		return State{}, found, fmt.Errorf("%w: %v", ErrStateUnreadable, err)
	}
	if !found {
		return State{}, false, nil
	}
	switch st.Status {
	case StatusArmed, StatusTriggered, StatusRecovering:
	default:
		return State{}, true, fmt.Errorf("%w: unknown status %q", ErrStateUnreadable, st.Status)
	}
	return st, true, nil
}

// Save commits st: intent, atomic replace, clear intent
func (f *FileStore) Save(_ context.Context, st State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return state.Commit(f.path, st)
}

// MemoryStore keeps state in memory, for tests and single-process drills
type MemoryStore struct {
	mu   sync.Mutex
	st   *State
	fail error
}

// SetFailure makes every later Load and Save return err; nil restores normal behaviour
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Load implements Store
func (m *MemoryStore) Load(context.Context) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return State{}, false, m.fail
	}
	if m.st == nil {
		return State{}, false, nil
	}
	return m.st.Clone(), true, nil
}

// Save implements Store
func (m *MemoryStore) Save(_ context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	c := st.Clone()
	m.st = &c
	return nil
}
