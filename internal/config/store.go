package config

import (
	"encoding/json"
	"sync/atomic"

	"github.com/edgewire/vidproxy/internal/domain/model"
)

// Store holds the validated worker configuration and exposes read-only
// snapshots. Mutation happens only through Load and Update, which atomically
// swap the snapshot; a failed update leaves the previous snapshot in effect.
type Store struct {
	current atomic.Pointer[WorkerConfig]
}

// NewStore parses, validates and installs the initial document.
func NewStore(data []byte) (*Store, error) {
	wc, err := ParseWorkerConfig(data)
	if err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(wc)
	return s, nil
}

// Snapshot returns the current configuration. Callers must treat it as
// immutable.
func (s *Store) Snapshot() *WorkerConfig {
	return s.current.Load()
}

// Load replaces the whole document.
func (s *Store) Load(data []byte) (*WorkerConfig, error) {
	wc, err := ParseWorkerConfig(data)
	if err != nil {
		return nil, err
	}
	s.current.Store(wc)
	return wc, nil
}

// Update merges a partial document section-wise over the current snapshot,
// re-validates the result against the full schema and swaps it in. On any
// validation failure the store is not mutated.
func (s *Store) Update(partial []byte) (*WorkerConfig, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(partial, &sections); err != nil {
		return nil, model.NewError(model.KindConfiguration, "invalid partial config", err)
	}

	// Re-serialize the current snapshot and overlay the supplied sections,
	// then run the full parse so defaults and legacy conversion re-apply.
	cur, err := json.Marshal(s.current.Load())
	if err != nil {
		return nil, model.NewError(model.KindConfiguration, "marshal current config", err)
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(cur, &merged); err != nil {
		return nil, model.NewError(model.KindConfiguration, "remarshal current config", err)
	}
	for name, raw := range sections {
		merged[name] = raw
	}
	full, err := json.Marshal(merged)
	if err != nil {
		return nil, model.NewError(model.KindConfiguration, "marshal merged config", err)
	}

	wc, err := ParseWorkerConfig(full)
	if err != nil {
		return nil, err
	}
	s.current.Store(wc)
	return wc, nil
}
