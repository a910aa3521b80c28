// Package testutil provides in-memory fakes for engine tests.
package testutil

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"icebox-go/internal/icebox"
)

// MemoryStore is an in-memory icebox.Store. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	sources map[string]icebox.Source
	jobs    map[string]icebox.Job
}

var _ icebox.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources: make(map[string]icebox.Source),
		jobs:    make(map[string]icebox.Job),
	}
}

func (s *MemoryStore) GetSource(name string) (*icebox.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[name]
	if !ok {
		return nil, nil
	}
	return &src, nil
}

func (s *MemoryStore) ListSources() ([]*icebox.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})

	sources := make([]*icebox.Source, 0, len(names))
	for _, name := range names {
		src := s.sources[name]
		sources = append(sources, &src)
	}
	return sources, nil
}

func (s *MemoryStore) SaveSource(src *icebox.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[src.Name]; ok {
		return fmt.Errorf("source already exists: %s", src.Name)
	}
	s.sources[src.Name] = *src
	return nil
}

func (s *MemoryStore) DeleteSource(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, name)
	return nil
}

func (s *MemoryStore) GetJob(name string) (*icebox.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (s *MemoryStore) SaveJob(job *icebox.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job already exists: %s", job.Name)
	}
	s.jobs[job.Name] = *job
	return nil
}

func (s *MemoryStore) UpdateJobStatus(name string, status icebox.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("no job named %q", name)
	}
	job.Status = status
	s.jobs[name] = job
	return nil
}

func (s *MemoryStore) DeleteJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// JobCount returns the number of ledger entries. Test helper.
func (s *MemoryStore) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
