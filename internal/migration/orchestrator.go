package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"storekeeper/internal/backup"
	"storekeeper/internal/logging"
	"storekeeper/internal/metrics"
	"storekeeper/internal/pool"
)

const component = "migration"

// ConnectionProvider is the part of the pool the orchestrator uses.
type ConnectionProvider interface {
	Acquire(ctx context.Context) (*pool.Connection, error)
	Release(c *pool.Connection)
}

// BackupService takes the pre-migration snapshot and restores it on failure.
type BackupService interface {
	CreateBackup(ctx context.Context, opts backup.CreateOptions) (*backup.Backup, error)
	RestoreBackup(ctx context.Context, id string, opts backup.RestoreOptions) error
}

// Config controls migration runs.
type Config struct {
	RunOnStartup bool       `mapstructure:"run_on_startup" yaml:"run_on_startup"`
	SampleSize   int        `mapstructure:"sample_size" yaml:"sample_size"`
	Thresholds   Thresholds `mapstructure:"thresholds" yaml:"thresholds"`
}

// DefaultConfig runs migrations on startup with the default thresholds.
func DefaultConfig() Config {
	return Config{
		RunOnStartup: true,
		SampleSize:   DefaultSampleSize,
		Thresholds:   DefaultThresholds(),
	}
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.SampleSize == 0 {
		c.SampleSize = DefaultSampleSize
	}
	def := DefaultThresholds()
	if c.Thresholds.MinSuccessRate == 0 {
		c.Thresholds.MinSuccessRate = def.MinSuccessRate
	}
	if c.Thresholds.MinScore == 0 {
		c.Thresholds.MinScore = def.MinScore
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	var errs []error
	if c.SampleSize < 0 {
		errs = append(errs, fmt.Errorf("sample_size cannot be negative: %d", c.SampleSize))
	}
	if c.Thresholds.MinSuccessRate < 0 || c.Thresholds.MinSuccessRate > 100 {
		errs = append(errs, fmt.Errorf("thresholds.min_success_rate must be between 0 and 100: %v", c.Thresholds.MinSuccessRate))
	}
	if c.Thresholds.MinScore < 0 || c.Thresholds.MinScore > 100 {
		errs = append(errs, fmt.Errorf("thresholds.min_score must be between 0 and 100: %v", c.Thresholds.MinScore))
	}
	return errors.Join(errs...)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMigrators replaces the default migrators.
func WithMigrators(m ...Migrator) Option {
	return func(o *Orchestrator) { o.migrators = m }
}

// WithValidator replaces the validator built from Config.Thresholds.
func WithValidator(v *Validator) Option {
	return func(o *Orchestrator) {
		if v != nil {
			o.validator = v
		}
	}
}

// WithVersionStore replaces the _metadata version store.
func WithVersionStore(v VersionStore) Option {
	return func(o *Orchestrator) {
		if v != nil {
			o.versions = v
		}
	}
}

// WithRunStore persists the last run. Without it runs are kept in memory only.
func WithRunStore(s RunStore) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.runs = s
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(l logging.ComponentLogger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.MigrationMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now for run and version timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Report is what Migrate returns.
type Report struct {
	// Skipped is true when the store was already at the target version.
	Skipped bool          `json:"skipped" yaml:"skipped"`
	Version SchemaVersion `json:"version" yaml:"version"`
	Run     *Run          `json:"run,omitempty" yaml:"run,omitempty"`
}

// Orchestrator runs migrations. Only one run may be in flight.
type Orchestrator struct {
	cfg         Config
	conns       ConnectionProvider
	backups     BackupService
	migrators   []Migrator
	plan        Plan
	validator   *Validator
	versions    VersionStore
	runs        RunStore
	log         logging.ComponentLogger
	metrics     *metrics.MigrationMetrics
	now         func() time.Time
	target      int
	description string

	running sync.Mutex

	mu     sync.RWMutex
	run    *Run
	loaded bool
}

// NewOrchestrator builds an orchestrator. Without WithMigrators it applies
// the embedded schema and then moves legacy accounts and cards.
func NewOrchestrator(cfg Config, conns ConnectionProvider, backups BackupService, opts ...Option) (*Orchestrator, error) {
	if conns == nil {
		return nil, errors.New("connection provider is required")
	}
	if backups == nil {
		return nil, errors.New("backup service is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid migration configuration: %w", err)
	}

	list := Migrations()
	if err := ValidatePlan(list); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:         cfg,
		conns:       conns,
		backups:     backups,
		versions:    NewMetadataVersionStore(),
		runs:        &memoryRunStore{},
		log:         logging.Nop(),
		now:         time.Now,
		target:      TargetVersion,
		description: list[len(list)-1].Description,
	}
	o.validator = NewValidator(cfg.Thresholds)
	for _, opt := range opts {
		opt(o)
	}

	if len(o.migrators) == 0 {
		defaults, err := defaultMigrators(o.versions, list, cfg.SampleSize)
		if err != nil {
			return nil, err
		}
		o.migrators = defaults
	}
	for _, m := range o.migrators {
		switch m.Name() {
		case StepSnapshot, StepValidate, StepFinalize:
			return nil, fmt.Errorf("migrator name %q is reserved", m.Name())
		}
	}
	plan, err := BuildPlan(o.migrators)
	if err != nil {
		return nil, err
	}
	o.plan = plan
	return o, nil
}

func defaultMigrators(versions VersionStore, list []Migration, sampleSize int) ([]Migrator, error) {
	out := []Migrator{NewSchemaMigrator(versions, list)}
	for _, mapping := range []DocumentMapping{AccountsMapping, CardsMapping} {
		m, err := NewDocumentMigrator(mapping, sampleSize)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Plan returns the step layout of every run.
func (o *Orchestrator) Plan() Plan {
	return append(Plan(nil), o.plan...)
}

// TargetVersion is the version a successful run records.
func (o *Orchestrator) TargetVersion() int { return o.target }

// Load reads the last persisted run. A run persisted as running was
// interrupted mid-flight; it is marked failed and unresolved.
func (o *Orchestrator) Load(ctx context.Context) error {
	last, err := o.runs.Load(ctx)
	if err != nil {
		return err
	}
	if last != nil && last.State == StateRunning {
		last.State = StateFailed
		last.Unresolved = true
		last.Errors = append(last.Errors, "run was interrupted before it finished")
		if err := o.runs.Save(ctx, last); err != nil {
			return err
		}
		o.log.Error(component, "load", "previous migration run was interrupted", logging.Fields{
			"run_id":    last.ID,
			"backup_id": last.BackupID,
		})
	}

	o.mu.Lock()
	o.run = last
	o.loaded = true
	o.mu.Unlock()

	if last != nil {
		o.metrics.SetUnresolved(last.Unresolved)
	}
	return nil
}

func (o *Orchestrator) ensureLoaded(ctx context.Context) error {
	o.mu.RLock()
	loaded := o.loaded
	o.mu.RUnlock()
	if loaded {
		return nil
	}
	return o.Load(ctx)
}

// Version reads the recorded schema version.
func (o *Orchestrator) Version(ctx context.Context) (SchemaVersion, error) {
	conn, err := o.conns.Acquire(ctx)
	if err != nil {
		return SchemaVersion{}, err
	}
	defer o.conns.Release(conn)
	return o.versions.Get(ctx, conn)
}

// Migrate brings the store to the target version.
//
// The run takes a full backup first. Any failure after that restores the
// backup; when the restore fails too, the run stays failed and unresolved
// and further runs are refused until Resolve is called.
func (o *Orchestrator) Migrate(ctx context.Context) (*Report, error) {
	if !o.running.TryLock() {
		return nil, &MigrationAlreadyRunningError{RunID: o.activeRunID()}
	}
	defer o.running.Unlock()

	if err := o.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if last := o.LastRun(); last != nil && last.Unresolved {
		return nil, &UnresolvedRunError{RunID: last.ID}
	}

	current, err := o.Version(ctx)
	if err != nil {
		return nil, err
	}
	if current.Current >= o.target {
		o.log.Info(component, "migrate", "schema is up to date", logging.Fields{
			"version": current.Current,
			"target":  o.target,
		})
		return &Report{Skipped: true, Version: current}, nil
	}

	run := newRun(uuid.NewString(), o.plan, current.Current, o.target, o.now())
	o.mu.Lock()
	o.run = run
	o.mu.Unlock()
	o.metrics.SetProgress(0)
	o.save(ctx)

	o.log.Info(component, "migrate", "migration started", logging.Fields{
		"run_id":       run.ID,
		"from_version": current.Current,
		"to_version":   o.target,
		"steps":        len(o.plan),
	})

	// Steps run to completion once started; only waiting for a connection
	// observes cancellation.
	stepCtx := context.WithoutCancel(ctx)

	// Step 1: pre-migration snapshot. Nothing has changed yet, so a failure
	// here needs no rollback.
	var backupID string
	err = o.runStep(0, func() error {
		b, err := o.backups.CreateBackup(stepCtx, backup.CreateOptions{
			Kind:        backup.KindFull,
			Description: fmt.Sprintf("pre-migration snapshot v%d to v%d", current.Current, o.target),
			Tags: map[string]string{
				"reason": "pre-migration",
				"run_id": run.ID,
			},
		})
		if err != nil {
			return err
		}
		backupID = b.ID
		return nil
	})
	if err != nil {
		stepErr := &MigrationStepError{Step: StepSnapshot, Cause: err}
		o.finish(stepCtx, StateFailed, stepErr)
		return o.report(current), stepErr
	}
	o.update(func(r *Run) { r.BackupID = backupID })
	o.save(stepCtx)

	next, err := o.apply(ctx, stepCtx)
	if err != nil {
		return o.rollback(stepCtx, current, err)
	}

	o.finish(stepCtx, StateCompleted, nil)
	return &Report{Version: next, Run: o.LastRun()}, nil
}

// apply runs the migrators, the validator and the version write on one
// connection. The connection is released before apply returns.
func (o *Orchestrator) apply(ctx, stepCtx context.Context) (SchemaVersion, error) {
	conn, err := o.conns.Acquire(ctx)
	if err != nil {
		return SchemaVersion{}, &MigrationStepError{Step: o.plan[1].Name, Cause: fmt.Errorf("acquire connection: %w", err)}
	}
	defer o.conns.Release(conn)

	// Step 2: migrators, in declaration order.
	results := make([]Result, 0, len(o.migrators))
	for i, m := range o.migrators {
		var res Result
		err := o.runStep(i+1, func() error {
			var err error
			res, err = m.Migrate(stepCtx, conn)
			return err
		})
		if err != nil {
			return SchemaVersion{}, &MigrationStepError{Step: m.Name(), Cause: err}
		}
		results = append(results, res)
		o.update(func(r *Run) { r.Results = append(r.Results, res) })
		o.log.Info(component, "migrate", "migrator finished", logging.Fields{
			"step":      m.Name(),
			"processed": res.Processed,
			"migrated":  res.Migrated,
			"skipped":   res.Skipped,
			"errors":    len(res.Errors),
		})
	}

	// Step 3: score the results.
	validateIdx := len(o.migrators) + 1
	err = o.runStep(validateIdx, func() error {
		outcome := o.validator.Validate(results...)
		o.update(func(r *Run) { r.Validation = &outcome })
		for _, w := range outcome.Warnings {
			o.log.Warn(component, "validate", w, nil)
		}
		if !outcome.Success {
			return &ValidationFailedError{Score: outcome.Score, Errors: outcome.Errors}
		}
		o.log.Info(component, "validate", "migration validated", logging.Fields{
			"score":    outcome.Score,
			"warnings": len(outcome.Warnings),
		})
		return nil
	})
	if err != nil {
		return SchemaVersion{}, err
	}

	// Step 4: record the new version.
	next := SchemaVersion{Current: o.target, Description: o.description, AppliedAt: o.now().UTC()}
	err = o.runStep(validateIdx+1, func() error {
		return o.versions.Set(stepCtx, conn, next)
	})
	if err != nil {
		return SchemaVersion{}, &MigrationStepError{Step: StepFinalize, Cause: err}
	}
	return next, nil
}

func (o *Orchestrator) runStep(idx int, fn func() error) error {
	step := o.plan[idx]
	o.update(func(r *Run) {
		r.CurrentStep = step.Name
		r.Steps[idx].State = StepRunning
		r.Steps[idx].StartedAt = o.now()
	})
	o.log.Debug(component, "migrate", "step started", logging.Fields{"step": step.Name, "weight": step.Weight})

	start := time.Now()
	err := fn()
	o.metrics.ObserveStep(step.Name, err, time.Since(start))

	var progress int
	o.update(func(r *Run) {
		r.Steps[idx].FinishedAt = o.now()
		if err != nil {
			r.Steps[idx].State = StepFailed
			r.Steps[idx].Error = err.Error()
		} else {
			r.Steps[idx].State = StepCompleted
			r.Progress += step.Weight
		}
		progress = r.Progress
	})
	o.metrics.SetProgress(progress)
	return err
}

func (o *Orchestrator) rollback(ctx context.Context, from SchemaVersion, cause error) (*Report, error) {
	var backupID string
	o.update(func(r *Run) {
		r.State = StateFailed
		r.Errors = append(r.Errors, cause.Error())
		backupID = r.BackupID
	})
	o.log.Warn(component, "rollback", "migration failed, restoring pre-migration backup", logging.Fields{
		"backup_id": backupID,
		"error":     cause.Error(),
	})

	if err := o.backups.RestoreBackup(ctx, backupID, backup.RestoreOptions{}); err != nil {
		o.update(func(r *Run) {
			r.Unresolved = true
			r.CurrentStep = ""
			r.FinishedAt = o.now()
			r.Errors = append(r.Errors, "rollback: "+err.Error())
		})
		o.save(ctx)
		o.metrics.ObserveRun(string(StateFailed))
		o.metrics.SetUnresolved(true)
		o.log.Error(component, "rollback", "rollback failed, store needs operator attention", logging.Fields{
			"backup_id":      backupID,
			"error":          cause.Error(),
			"rollback_error": err.Error(),
		})
		return o.report(from), &RollbackFailedError{OriginalError: cause, RollbackError: err}
	}

	o.finish(ctx, StateRolledBack, nil)
	return o.report(from), cause
}

// finish records the terminal state. err, when set, is appended to the run's errors.
func (o *Orchestrator) finish(ctx context.Context, state State, err error) {
	var snapshot Run
	o.update(func(r *Run) {
		r.State = state
		r.CurrentStep = ""
		r.FinishedAt = o.now()
		if err != nil {
			r.Errors = append(r.Errors, err.Error())
		}
		snapshot = *r
	})
	o.save(ctx)
	o.metrics.ObserveRun(string(state))

	fields := logging.Fields{
		"run_id":   snapshot.ID,
		"state":    string(state),
		"progress": snapshot.Progress,
		"duration": snapshot.FinishedAt.Sub(snapshot.StartedAt).String(),
	}
	switch state {
	case StateCompleted:
		o.log.Info(component, "migrate", "migration completed", fields)
	case StateRolledBack:
		o.log.Warn(component, "migrate", "migration rolled back", fields)
	default:
		o.log.Error(component, "migrate", "migration failed", fields)
	}
}

func (o *Orchestrator) report(v SchemaVersion) *Report {
	return &Report{Version: v, Run: o.LastRun()}
}

func (o *Orchestrator) update(fn func(r *Run)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.run)
}

func (o *Orchestrator) save(ctx context.Context) {
	r := o.LastRun()
	if r == nil {
		return
	}
	if err := o.runs.Save(ctx, r); err != nil {
		o.log.Warn(component, "save", "could not persist migration run", logging.Fields{
			"run_id": r.ID,
			"error":  err.Error(),
		})
	}
}

func (o *Orchestrator) activeRunID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.run != nil && o.run.State == StateRunning {
		return o.run.ID
	}
	return ""
}

// LastRun returns a copy of the current or most recent run, or nil.
func (o *Orchestrator) LastRun() *Run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.run.clone()
}

// GetProgress summarises the current or most recent run.
func (o *Orchestrator) GetProgress() Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.run == nil {
		return Progress{State: StateIdle}
	}
	return Progress{
		RunID:       o.run.ID,
		State:       o.run.State,
		CurrentStep: o.run.CurrentStep,
		Progress:    o.run.Progress,
		Errors:      append([]string(nil), o.run.Errors...),
		BackupID:    o.run.BackupID,
		Unresolved:  o.run.Unresolved,
	}
}

// CheckReady fails while the last run is unresolved.
func (o *Orchestrator) CheckReady() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.run != nil && o.run.Unresolved {
		return &UnresolvedRunError{RunID: o.run.ID}
	}
	return nil
}

// Resolve clears the unresolved flag once an operator has repaired the store.
func (o *Orchestrator) Resolve(ctx context.Context, note string) error {
	if !o.running.TryLock() {
		return &MigrationAlreadyRunningError{RunID: o.activeRunID()}
	}
	defer o.running.Unlock()

	if err := o.ensureLoaded(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	if o.run == nil || !o.run.Unresolved {
		o.mu.Unlock()
		return ErrNothingToResolve
	}
	o.run.Unresolved = false
	o.run.Resolution = note
	o.run.ResolvedAt = o.now()
	r := o.run.clone()
	o.mu.Unlock()

	if err := o.runs.Save(ctx, r); err != nil {
		o.update(func(run *Run) {
			run.Unresolved = true
			run.Resolution = ""
			run.ResolvedAt = time.Time{}
		})
		return err
	}
	o.metrics.SetUnresolved(false)
	o.log.Info(component, "resolve", "unresolved migration run cleared", logging.Fields{
		"run_id": r.ID,
		"note":   note,
	})
	return nil
}
