package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"storekeeper/internal/blobstore"
	"storekeeper/internal/engine"
	"storekeeper/internal/logging"
	"storekeeper/internal/metrics"
	"storekeeper/internal/pool"
)

const component = "backup"

// ConnectionProvider is the part of the pool the service depends on.
type ConnectionProvider interface {
	Acquire(ctx context.Context) (*pool.Connection, error)
	Release(c *pool.Connection)
	HoldMaintenance() func()
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the component logger.
func WithLogger(l logging.ComponentLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.BackupMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now for backup and recovery point timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSource names the store recorded in each backup.
func WithSource(name string) Option {
	return func(s *Service) { s.source = name }
}

// Service creates, verifies and restores backups of the store reachable
// through its ConnectionProvider. Create, restore and delete are mutually
// exclusive; an overlapping call fails with *BusyError.
type Service struct {
	cfg     Config
	conns   ConnectionProvider
	store   blobstore.Store
	codecs  *CompressionManager
	crypto  *EncryptionManager
	log     logging.ComponentLogger
	metrics *metrics.BackupMetrics
	now     func() time.Time
	source  string

	op       sync.Mutex
	inflight atomic.Value // string

	mu       sync.RWMutex
	catalog  map[string]Backup
	loaded   bool
	recovery *recoveryRing
}

// NewService validates cfg and builds a service. The catalog is read
// lazily on first use, or eagerly through Load.
func NewService(cfg Config, conns ConnectionProvider, store blobstore.Store, opts ...Option) (*Service, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigurationError("invalid backup configuration", err)
	}

	s := &Service{
		cfg:      cfg,
		conns:    conns,
		store:    store,
		codecs:   NewCompressionManager(),
		log:      logging.Nop(),
		now:      time.Now,
		catalog:  map[string]Backup{},
		recovery: newRecoveryRing(cfg.RecoveryPoints),
	}
	s.inflight.Store("")
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Encryption.Enabled {
		em, err := NewEncryptionManager(cfg.Encryption)
		if err != nil {
			return nil, err
		}
		s.crypto = em
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Load reads the catalog index from the blob store, replacing the
// in-memory copy.
func (s *Service) Load(ctx context.Context) error {
	catalog, err := readCatalog(ctx, s.store)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.catalog = catalog
	s.loaded = true
	s.mu.Unlock()

	s.metrics.SetCatalogSize(len(catalog))
	s.log.Debug(component, "load", "catalog loaded", logging.Fields{"backups": len(catalog)})
	return nil
}

func (s *Service) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	return s.Load(ctx)
}

// begin takes the operation lock or reports who holds it.
func (s *Service) begin(operation string) (func(), error) {
	if !s.op.TryLock() {
		inflight, _ := s.inflight.Load().(string)
		return nil, &BusyError{Operation: operation, InFlight: inflight}
	}
	s.inflight.Store(operation)
	return func() {
		s.inflight.Store("")
		s.op.Unlock()
	}, nil
}

// CreateBackup exports the store, encodes it and persists the record and
// catalog. Nothing is added to the catalog unless the record was stored.
func (s *Service) CreateBackup(ctx context.Context, opts CreateOptions) (_ *Backup, err error) {
	done, err := s.begin("create backup")
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	defer func() { s.metrics.ObserveOperation("create", err, time.Since(start)) }()

	kind := opts.Kind
	if kind == "" {
		kind = KindFull
	}
	if kind != KindFull {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	if opts, err = NormalizeCreateOptions(opts); err != nil {
		return nil, err
	}

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	snap, err := s.export(ctx)
	if err != nil {
		s.log.Error(component, "create", "export failed", logging.Fields{"error": err.Error()})
		return nil, err
	}
	raw, err := snap.Encode()
	if err != nil {
		return nil, NewDatabaseError("failed to encode snapshot", err)
	}

	b := Backup{
		ID:                uuid.NewString(),
		Source:            s.source,
		CreatedAt:         s.now().UTC(),
		Kind:              kind,
		Status:            StatusCreating,
		Description:       opts.Description,
		Tags:              opts.Tags,
		OriginalSize:      int64(len(raw)),
		RowCount:          snap.RowCount(),
		Compression:       CompressionTypeNone,
		ChecksumAlgorithm: s.cfg.Checksum,
		SnapshotFormat:    snap.FormatVersion,
	}

	payload, err := s.seal(&b, raw)
	if err != nil {
		return nil, err
	}
	b.SizeBytes = int64(len(payload))
	if b.Checksum, err = ComputeChecksum(b.ChecksumAlgorithm, payload); err != nil {
		return nil, NewConfigurationError("failed to compute checksum", err)
	}
	b.Status = StatusCompleted

	data, err := json.Marshal(Record{Metadata: b, Payload: payload})
	if err != nil {
		return nil, NewStorageError("failed to encode backup record", err)
	}
	if err := s.store.Put(ctx, RecordKey(b.ID), data); err != nil {
		return nil, NewStorageError("failed to persist backup record", err)
	}

	if err := s.commitCatalog(ctx, func(next map[string]Backup) { next[b.ID] = b }); err != nil {
		if delErr := s.store.Delete(context.WithoutCancel(ctx), RecordKey(b.ID)); delErr != nil {
			s.log.Warn(component, "create", "orphaned backup record", logging.Fields{"backup_id": b.ID, "error": delErr.Error()})
		}
		return nil, err
	}

	s.metrics.ObservePayload(b.SizeBytes)
	s.log.Info(component, "create", "backup created", logging.Fields{
		"backup_id":     b.ID,
		"size_bytes":    b.SizeBytes,
		"original_size": b.OriginalSize,
		"compression":   b.Compression,
		"rows":          b.RowCount,
	})

	if _, err := s.applyRetention(ctx); err != nil {
		s.log.Warn(component, "retention", "retention cleanup failed", logging.Fields{"error": err.Error()})
	}

	return &b, nil
}

// seal compresses and encrypts raw according to the configuration and
// records what it did in b.
func (s *Service) seal(b *Backup, raw []byte) ([]byte, error) {
	payload := raw
	if s.cfg.Compression.Enabled {
		out, stats, err := s.codecs.Compress(raw, s.cfg.Compression.Algorithm, s.cfg.Compression.Level)
		if err != nil {
			return nil, err
		}
		payload = out
		b.Compressed = true
		b.Compression = stats.Algorithm
		b.CompressionFormat = CompressionFormatVersion
	}
	if s.crypto != nil {
		out, err := s.crypto.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		payload = out
		b.Encrypted = true
		b.Encryption = EncryptionAlgorithm
	}
	return payload, nil
}

func (s *Service) export(ctx context.Context) (*engine.Snapshot, error) {
	conn, err := s.conns.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.conns.Release(conn)

	release := s.conns.HoldMaintenance()
	defer release()

	snap, err := conn.Handle().Export(ctx)
	if err != nil {
		return nil, NewDatabaseError("failed to export store", err)
	}
	return snap, nil
}

// commitCatalog persists a modified copy of the catalog and swaps it in
// only after the write succeeded. Callers hold the operation lock.
func (s *Service) commitCatalog(ctx context.Context, mutate func(next map[string]Backup)) error {
	s.mu.RLock()
	next := cloneCatalog(s.catalog)
	s.mu.RUnlock()

	mutate(next)
	if err := writeCatalog(ctx, s.store, next); err != nil {
		return err
	}

	s.mu.Lock()
	s.catalog = next
	s.mu.Unlock()
	s.metrics.SetCatalogSize(len(next))
	return nil
}

// applyRetention drops backups outside the retention bounds. The catalog is
// rewritten first; record blobs that fail to delete are only logged.
func (s *Service) applyRetention(ctx context.Context) ([]Backup, error) {
	plan := PlanRetention(s.snapshotCatalog(), s.cfg.MaxBackups, s.cfg.MaxAge, s.now())
	if len(plan.Delete) == 0 {
		return nil, nil
	}

	err := s.commitCatalog(ctx, func(next map[string]Backup) {
		for _, b := range plan.Delete {
			delete(next, b.ID)
		}
	})
	if err != nil {
		return nil, err
	}

	for _, b := range plan.Delete {
		if err := s.store.Delete(ctx, RecordKey(b.ID)); err != nil {
			s.log.Warn(component, "retention", "failed to delete expired record", logging.Fields{"backup_id": b.ID, "error": err.Error()})
			continue
		}
		s.log.Info(component, "retention", "expired backup removed", logging.Fields{
			"backup_id":  b.ID,
			"created_at": b.CreatedAt,
		})
	}
	return plan.Delete, nil
}

func (s *Service) snapshotCatalog() []Backup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Backup, 0, len(s.catalog))
	for _, b := range s.catalog {
		out = append(out, b)
	}
	return out
}

func (s *Service) lookup(id string) (Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.catalog[id]
	if !ok {
		return Backup{}, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	return b, nil
}

// RestoreBackup verifies a backup and atomically replaces the store with
// it. A checksum mismatch is reported before any connection is touched.
func (s *Service) RestoreBackup(ctx context.Context, id string, opts RestoreOptions) (err error) {
	done, err := s.begin("restore backup")
	if err != nil {
		return err
	}
	defer done()

	start := time.Now()
	defer func() { s.metrics.ObserveOperation("restore", err, time.Since(start)) }()

	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}

	snap, err := s.loadVerified(ctx, entry)
	if err != nil {
		s.log.Error(component, "restore", "backup rejected", logging.Fields{"backup_id": id, "error": err.Error()})
		return err
	}

	conn, err := s.conns.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.conns.Release(conn)

	release := s.conns.HoldMaintenance()
	defer release()

	if !opts.SkipRecoveryPoint && s.cfg.RecoveryPoints > 0 {
		if err := s.captureRecoveryPoint(ctx, conn, id); err != nil {
			return err
		}
	}

	if err := conn.Handle().Import(ctx, snap); err != nil {
		return NewDatabaseError("failed to import backup", err)
	}

	s.log.Info(component, "restore", "backup restored", logging.Fields{"backup_id": id, "rows": snap.RowCount()})
	return nil
}

// loadVerified reads a record and runs the integrity gate before decoding.
func (s *Service) loadVerified(ctx context.Context, entry Backup) (*engine.Snapshot, error) {
	data, err := s.store.Get(ctx, RecordKey(entry.ID))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: record for %s is missing from the blob store", ErrBackupNotFound, entry.ID)
	}
	if err != nil {
		return nil, NewStorageError("failed to read backup record", err)
	}

	mismatch := &ChecksumMismatchError{
		BackupID:  entry.ID,
		Algorithm: entry.ChecksumAlgorithm,
		Expected:  entry.Checksum,
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		mismatch.Cause = fmt.Errorf("record is unreadable: %w", err)
		s.metrics.ObserveChecksumMismatch()
		return nil, mismatch
	}

	actual, err := ComputeChecksum(entry.ChecksumAlgorithm, rec.Payload)
	if err != nil {
		return nil, NewCorruptionError("catalog entry names an unknown checksum algorithm", err)
	}
	mismatch.Actual = actual
	if actual != entry.Checksum || rec.Metadata.Checksum != entry.Checksum || rec.Metadata.ID != entry.ID {
		if actual == entry.Checksum {
			mismatch.Actual = rec.Metadata.Checksum
		}
		s.metrics.ObserveChecksumMismatch()
		return nil, mismatch
	}

	raw := rec.Payload
	if entry.Encrypted {
		crypto, err := s.decrypter()
		if err != nil {
			return nil, err
		}
		if raw, err = crypto.Decrypt(raw); err != nil {
			return nil, err
		}
	}
	if entry.Compressed {
		if raw, err = s.codecs.Decompress(raw, entry.Compression, entry.CompressionFormat); err != nil {
			return nil, err
		}
	}
	if int64(len(raw)) != entry.OriginalSize {
		return nil, NewCorruptionError(fmt.Sprintf("decoded payload is %d bytes, expected %d", len(raw), entry.OriginalSize), nil)
	}

	snap, err := engine.DecodeSnapshot(raw)
	if err != nil {
		return nil, NewCorruptionError("failed to decode snapshot", err)
	}
	return snap, nil
}

// decrypter returns the configured manager, or builds one from the key
// settings when encryption is now off but an older backup was encrypted.
func (s *Service) decrypter() (*EncryptionManager, error) {
	if s.crypto != nil {
		return s.crypto, nil
	}
	return NewEncryptionManager(s.cfg.Encryption)
}

func (s *Service) captureRecoveryPoint(ctx context.Context, conn *pool.Connection, backupID string) error {
	current, err := conn.Handle().Export(ctx)
	if err != nil {
		return NewDatabaseError("failed to capture recovery point", err)
	}
	raw, err := current.Encode()
	if err != nil {
		return NewDatabaseError("failed to encode recovery point", err)
	}

	p := RecoveryPoint{
		ID:        uuid.NewString(),
		CreatedAt: s.now().UTC(),
		BackupID:  backupID,
		SizeBytes: int64(len(raw)),
		Payload:   raw,
	}
	if dropped := s.recovery.add(p); dropped != nil {
		s.log.Debug(component, "recovery", "recovery point dropped", logging.Fields{"recovery_point_id": dropped.ID})
	}
	s.log.Info(component, "recovery", "recovery point captured", logging.Fields{
		"recovery_point_id": p.ID,
		"backup_id":         backupID,
		"size_bytes":        p.SizeBytes,
	})
	return nil
}

// RecoveryPoints lists the in-memory recovery points, newest first.
func (s *Service) RecoveryPoints() []RecoveryPoint {
	return s.recovery.list()
}

// RestoreRecoveryPoint puts the store back to the state captured before a
// restore.
func (s *Service) RestoreRecoveryPoint(ctx context.Context, id string) (err error) {
	done, err := s.begin("restore recovery point")
	if err != nil {
		return err
	}
	defer done()

	start := time.Now()
	defer func() { s.metrics.ObserveOperation("recover", err, time.Since(start)) }()

	p, ok := s.recovery.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecoveryPointNotFound, id)
	}
	snap, err := engine.DecodeSnapshot(p.Payload)
	if err != nil {
		return NewCorruptionError("failed to decode recovery point", err)
	}

	conn, err := s.conns.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.conns.Release(conn)

	release := s.conns.HoldMaintenance()
	defer release()

	if err := conn.Handle().Import(ctx, snap); err != nil {
		return NewDatabaseError("failed to import recovery point", err)
	}
	s.log.Info(component, "recovery", "recovery point restored", logging.Fields{"recovery_point_id": id})
	return nil
}

// ListBackups returns the catalog, newest first.
func (s *Service) ListBackups(ctx context.Context) ([]Backup, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	backups := s.snapshotCatalog()
	sortNewestFirst(backups)
	return backups, nil
}

// GetBackup returns one catalog entry.
func (s *Service) GetBackup(ctx context.Context, id string) (*Backup, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// VerifyBackup runs the integrity gate and decodes the payload without
// touching the store.
func (s *Service) VerifyBackup(ctx context.Context, id string) (*Backup, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadVerified(ctx, b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBackup removes a backup from the catalog and the blob store.
func (s *Service) DeleteBackup(ctx context.Context, id string) (err error) {
	done, err := s.begin("delete backup")
	if err != nil {
		return err
	}
	defer done()

	start := time.Now()
	defer func() { s.metrics.ObserveOperation("delete", err, time.Since(start)) }()

	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	if _, err := s.lookup(id); err != nil {
		return err
	}

	if err := s.commitCatalog(ctx, func(next map[string]Backup) { delete(next, id) }); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, RecordKey(id)); err != nil {
		return NewStorageError("backup removed from catalog but its record could not be deleted", err)
	}
	s.log.Info(component, "delete", "backup deleted", logging.Fields{"backup_id": id})
	return nil
}

// HealthCheck probes the blob store when the backend supports it.
func (s *Service) HealthCheck(ctx context.Context) error {
	if hc, ok := s.store.(blobstore.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
