package orchestrator

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// State is a job's position in the pipeline.
type State string

const (
	StateReceived         State = "received"
	StateManifestFetched  State = "manifest_fetched"
	StateSegmentsFetching State = "segments_fetching"
	StateAssembled        State = "assembled"
	StateTranscoded       State = "transcoded"
	StateUploaded         State = "uploaded"
	StateCleaned          State = "cleaned"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

var stateOrder = map[State]int{
	StateReceived:         0,
	StateManifestFetched:  1,
	StateSegmentsFetching: 2,
	StateAssembled:        3,
	StateTranscoded:       4,
	StateUploaded:         5,
	StateCleaned:          6,
	StateDone:             7,
}

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// JobState is the observable state of an in-flight job. It never carries
// credentials.
type JobState struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	State     State     `json:"state"`
	Progress  int       `json:"progress"`
	Stage     Stage     `json:"stage,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository defines the concurrency-safe contract for tracking jobs while
// they run. Jobs are tracked from Start until Remove; nothing survives a
// restart.
type Repository interface {
	// Start records a new job in StateReceived.
	Start(id, channel string) error

	// Advance moves a job forward. States may only move forward along the
	// pipeline, except StateFailed which is reachable from any non-terminal
	// state.
	Advance(id string, next State) error

	// Fail moves a job to StateFailed and records the stage that failed.
	Fail(id string, stage Stage) error

	// Report records the last progress value emitted for a job.
	Report(id string, progress int)

	// Get returns a copy of a job's state.
	Get(id string) (JobState, bool)

	// List returns copies of all tracked jobs, oldest first.
	List() []JobState

	// Remove stops tracking a job.
	Remove(id string)

	// ActiveJobCount returns the number of tracked jobs not yet terminal.
	// Used for metrics.
	ActiveJobCount() int
}

var (
	// ErrJobExists is returned when starting a job with an id already tracked.
	ErrJobExists = errors.New("job already exists")

	// ErrJobNotFound is returned for operations on an untracked job.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a state change would move a job
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
	now   func() time.Time
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store, now: time.Now}
}

// Start implements Repository.Start.
func (r *InMemoryRepository) Start(id, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetJob(id); exists {
		return ErrJobExists
	}
	now := r.now().UTC()
	r.store.SetJob(&JobState{
		ID:        id,
		Channel:   channel,
		State:     StateReceived,
		StartedAt: now,
		UpdatedAt: now,
	})
	return nil
}

// Advance implements Repository.Advance.
func (r *InMemoryRepository) Advance(id string, next State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.getLocked(id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return ErrInvalidTransition
	}
	if next != StateFailed {
		cur, nxt := stateOrder[job.State], stateOrder[next]
		if _, known := stateOrder[next]; !known || nxt <= cur {
			return ErrInvalidTransition
		}
	}
	job.State = next
	job.UpdatedAt = r.now().UTC()
	return nil
}

// Fail implements Repository.Fail.
func (r *InMemoryRepository) Fail(id string, stage Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.getLocked(id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return ErrInvalidTransition
	}
	job.State = StateFailed
	job.Stage = stage
	job.UpdatedAt = r.now().UTC()
	return nil
}

// Report implements Repository.Report. Unknown jobs are ignored.
func (r *InMemoryRepository) Report(id string, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job, ok := r.store.GetJob(id); ok {
		job.Progress = progress
		job.UpdatedAt = r.now().UTC()
	}
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id string) (JobState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.store.GetJob(id)
	if !ok {
		return JobState{}, false
	}
	return *job, true
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []JobState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListJobIDs()
	out := make([]JobState, 0, len(ids))
	for _, id := range ids {
		if job, ok := r.store.GetJob(id); ok {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.DeleteJob(id)
}

// ActiveJobCount implements Repository.ActiveJobCount.
func (r *InMemoryRepository) ActiveJobCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListJobIDs() {
		if job, ok := r.store.GetJob(id); ok && !job.State.Terminal() {
			n++
		}
	}
	return n
}

// getLocked returns the tracked job or ErrJobNotFound.
// Caller must hold r.mu in write mode.
func (r *InMemoryRepository) getLocked(id string) (*JobState, error) {
	job, ok := r.store.GetJob(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}
