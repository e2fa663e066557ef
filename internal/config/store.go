package config

import "sync"

// Store is the process-wide holder of the runtime lab settings.
type Store struct {
	mu  sync.RWMutex
	lab LabConfig
}

func NewStore(lab LabConfig) *Store {
	return &Store{lab: lab.Clone()}
}

func (s *Store) Get() LabConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lab.Clone()
}

// Update replaces the settings wholesale after validating them.
func (s *Store) Update(lab LabConfig) error {
	if err := lab.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.lab = lab.Clone()
	s.mu.Unlock()
	return nil
}
