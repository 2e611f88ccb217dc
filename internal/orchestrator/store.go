package orchestrator

// Store is the persistence abstraction for job state.
// The Repository uses Store for all reads and writes and holds the lock;
// Store implementations need not be safe for concurrent use.
type Store interface {
	GetJob(id string) (*JobState, bool)
	SetJob(j *JobState)
	DeleteJob(id string)
	ListJobIDs() []string
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	jobs map[string]*JobState
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*JobState),
	}
}

// GetJob implements Store.GetJob.
func (s *InMemoryStore) GetJob(id string) (*JobState, bool) {
	j, ok := s.jobs[id]
	return j, ok
}

// SetJob implements Store.SetJob.
func (s *InMemoryStore) SetJob(j *JobState) {
	s.jobs[j.ID] = j
}

// DeleteJob implements Store.DeleteJob.
func (s *InMemoryStore) DeleteJob(id string) {
	delete(s.jobs, id)
}

// ListJobIDs implements Store.ListJobIDs.
func (s *InMemoryStore) ListJobIDs() []string {
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}
