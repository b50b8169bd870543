package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"storekeeper/internal/blobstore"
)

// State of a migration run.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRolledBack State = "rolled_back"
)

// Step states.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Fixed step names around the migrators.
const (
	StepSnapshot = "snapshot"
	StepValidate = "validate"
	StepFinalize = "finalize"
)

// Step weights. Migrators split migratorsWeight between them.
const (
	snapshotWeight  = 10
	migratorsWeight = 60
	validateWeight  = 25
	finalizeWeight  = 5
)

// Step is a named, weighted unit of progress.
type Step struct {
	Name   string `json:"name" yaml:"name"`
	Weight int    `json:"weight" yaml:"weight"`
}

// Plan is the ordered list of steps of a run.
type Plan []Step

// BuildPlan lays out snapshot, one step per migrator, validate and finalize.
// The migrator share is split evenly with the remainder on the last one.
func BuildPlan(migrators []Migrator) (Plan, error) {
	if len(migrators) == 0 {
		return nil, errors.New("at least one migrator is required")
	}
	n := len(migrators)
	share := migratorsWeight / n
	if share == 0 {
		return nil, fmt.Errorf("too many migrators: %d", n)
	}

	plan := Plan{{Name: StepSnapshot, Weight: snapshotWeight}}
	for i, m := range migrators {
		w := share
		if i == n-1 {
			w = migratorsWeight - share*(n-1)
		}
		plan = append(plan, Step{Name: m.Name(), Weight: w})
	}
	plan = append(plan,
		Step{Name: StepValidate, Weight: validateWeight},
		Step{Name: StepFinalize, Weight: finalizeWeight},
	)
	return plan, plan.Validate()
}

// Validate enforces unique names, positive weights and a total of exactly 100.
func (p Plan) Validate() error {
	seen := make(map[string]bool, len(p))
	total := 0
	for _, s := range p {
		if s.Name == "" {
			return errors.New("step name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Weight <= 0 {
			return fmt.Errorf("step %s has non-positive weight %d", s.Name, s.Weight)
		}
		total += s.Weight
	}
	if total != 100 {
		return fmt.Errorf("step weights sum to %d, expected 100", total)
	}
	return nil
}

// StepStatus tracks one step inside a run.
type StepStatus struct {
	Name       string    `json:"name" yaml:"name"`
	Weight     int       `json:"weight" yaml:"weight"`
	State      string    `json:"state" yaml:"state"`
	StartedAt  time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Run is the state of one migration attempt.
type Run struct {
	ID          string       `json:"id" yaml:"id"`
	State       State        `json:"state" yaml:"state"`
	CurrentStep string       `json:"current_step,omitempty" yaml:"current_step,omitempty"`
	Progress    int          `json:"progress" yaml:"progress"`
	Steps       []StepStatus `json:"steps" yaml:"steps"`
	Errors      []string     `json:"errors,omitempty" yaml:"errors,omitempty"`
	BackupID    string       `json:"backup_id,omitempty" yaml:"backup_id,omitempty"`
	FromVersion int          `json:"from_version" yaml:"from_version"`
	ToVersion   int          `json:"to_version" yaml:"to_version"`
	StartedAt   time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time    `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Results     []Result     `json:"results,omitempty" yaml:"results,omitempty"`
	Validation  *Outcome     `json:"validation,omitempty" yaml:"validation,omitempty"`

	// Unresolved is set when the rollback restore failed.
	Unresolved bool      `json:"unresolved" yaml:"unresolved"`
	Resolution string    `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

func newRun(id string, plan Plan, from, to int, now time.Time) *Run {
	r := &Run{
		ID:          id,
		State:       StateRunning,
		FromVersion: from,
		ToVersion:   to,
		StartedAt:   now,
		Steps:       make([]StepStatus, len(plan)),
	}
	for i, s := range plan {
		r.Steps[i] = StepStatus{Name: s.Name, Weight: s.Weight, State: StepPending}
	}
	return r
}

func (r *Run) clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = append([]StepStatus(nil), r.Steps...)
	c.Errors = append([]string(nil), r.Errors...)
	c.Results = append([]Result(nil), r.Results...)
	if r.Validation != nil {
		v := *r.Validation
		c.Validation = &v
	}
	return &c
}

// Progress is the externally visible summary of the current or last run.
type Progress struct {
	RunID       string   `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	State       State    `json:"state" yaml:"state"`
	CurrentStep string   `json:"current_step,omitempty" yaml:"current_step,omitempty"`
	Progress    int      `json:"progress" yaml:"progress"`
	Errors      []string `json:"errors,omitempty" yaml:"errors,omitempty"`
	BackupID    string   `json:"backup_id,omitempty" yaml:"backup_id,omitempty"`
	Unresolved  bool     `json:"unresolved" yaml:"unresolved"`
}

// RunStore persists the last run so an unresolved failure survives a restart.
type RunStore interface {
	// Load returns nil, nil when no run has been recorded.
	Load(ctx context.Context) (*Run, error)
	Save(ctx context.Context, r *Run) error
}

// LastRunKey is the blob key holding the last run.
const LastRunKey = "migration_last_run"

// BlobRunStore keeps the last run next to the backups.
type BlobRunStore struct {
	store blobstore.Store
}

// NewBlobRunStore stores runs in store under LastRunKey.
func NewBlobRunStore(store blobstore.Store) *BlobRunStore {
	return &BlobRunStore{store: store}
}

func (s *BlobRunStore) Load(ctx context.Context) (*Run, error) {
	data, err := s.store.Get(ctx, LastRunKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last migration run: %w", err)
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode last migration run: %w", err)
	}
	return &r, nil
}

func (s *BlobRunStore) Save(ctx context.Context, r *Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode migration run: %w", err)
	}
	if err := s.store.Put(ctx, LastRunKey, data); err != nil {
		return fmt.Errorf("save migration run: %w", err)
	}
	return nil
}

// memoryRunStore is used when no RunStore is configured.
type memoryRunStore struct {
	mu  sync.Mutex
	run *Run
}

func (s *memoryRunStore) Load(context.Context) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.clone(), nil
}

func (s *memoryRunStore) Save(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = r.clone()
	return nil
}
