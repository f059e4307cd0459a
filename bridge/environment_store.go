package bridge

import (
	"sync"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// EnvironmentStore: process-wide registry of live environments
// ---------------------------------------------------------------------------

// EnvironmentID is the opaque token identifying an Environment in the
// process-wide store. Callbacks arriving from collector goroutines carry
// this token and must validate it before touching any environment state.
type EnvironmentID = uuid.UUID

// EnvironmentStore tracks every live Environment in the process. Engine
// cleanups and host binding callbacks may fire after an Environment has been
// torn down; resolving their token through the store turns those late
// notifications into safe no-ops instead of dereferencing dead state.
type EnvironmentStore struct {
	mu   sync.Mutex
	envs map[EnvironmentID]*Environment
}

var sharedStore = &EnvironmentStore{
	envs: make(map[EnvironmentID]*Environment),
}

// SharedStore returns the process-wide environment store.
func SharedStore() *EnvironmentStore {
	return sharedStore
}

// Access returns the live Environment for the given token, or nil if the
// token is unknown or the environment has been disposed.
func (s *EnvironmentStore) Access(id EnvironmentID) *Environment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envs[id]
}

func (s *EnvironmentStore) add(env *Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs[env.id] = env
}

func (s *EnvironmentStore) remove(id EnvironmentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.envs, id)
}

// Count returns the number of live environments.
func (s *EnvironmentStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}
