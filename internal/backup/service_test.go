package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storekeeper/internal/blobstore"
	"storekeeper/internal/engine"
	"storekeeper/internal/metrics"
	"storekeeper/internal/pool"
)

type fixture struct {
	pool  *pool.Pool
	store blobstore.Store
	svc   *Service
}

func newFixture(t *testing.T, cfg Config, store blobstore.Store, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	eng, err := engine.Open(ctx, engine.Config{Path: filepath.Join(t.TempDir(), "store.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	p, err := pool.New(ctx, pool.Config{
		MinConnections: 1,
		MaxConnections: 2,
		AcquireTimeout: 2 * time.Second,
	}, eng)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	if store == nil {
		store = blobstore.NewMemoryStore()
	}
	svc, err := NewService(cfg, p, store, append([]Option{WithSource(eng.Name())}, opts...)...)
	require.NoError(t, err)

	f := &fixture{pool: p, store: store, svc: svc}
	f.exec(t, `CREATE TABLE accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		status TEXT DEFAULT 'active'
	)`)
	return f
}

func (f *fixture) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	ctx := context.Background()
	conn, err := f.pool.Acquire(ctx)
	require.NoError(t, err)
	defer f.pool.Release(conn)
	_, err = conn.ExecContext(ctx, query, args...)
	require.NoError(t, err, query)
}

// dump returns the canonical encoding of the live store.
func (f *fixture) dump(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	conn, err := f.pool.Acquire(ctx)
	require.NoError(t, err)
	defer f.pool.Release(conn)

	snap, err := conn.Handle().Export(ctx)
	require.NoError(t, err)
	data, err := snap.Encode()
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	ctx := context.Background()
	conn, err := f.pool.Acquire(ctx)
	require.NoError(t, err)
	defer f.pool.Release(conn)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func uncompressed() Config {
	cfg := DefaultConfig()
	cfg.Compression.Enabled = false
	return cfg
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*Config)
	}{
		{"uncompressed", func(c *Config) { c.Compression.Enabled = false }},
		{"zstd", func(c *Config) {}},
		{"gzip", func(c *Config) { c.Compression.Algorithm = CompressionTypeGzip; c.Compression.Level = 9 }},
		{"lz4", func(c *Config) { c.Compression.Algorithm = CompressionTypeLZ4 }},
		{"blake2b checksum", func(c *Config) { c.Checksum = ChecksumBLAKE2b }},
		{"xxh64 checksum", func(c *Config) { c.Checksum = ChecksumXXH64 }},
		{"encrypted", func(c *Config) { c.Encryption.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(DefaultKeyEnvVar, "correct horse battery staple")
			ctx := context.Background()
			cfg := DefaultConfig()
			tt.configure(&cfg)
			f := newFixture(t, cfg, nil)

			for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
				f.exec(t, "INSERT INTO accounts (email, password) VALUES (?, ?)", email, "pw")
			}
			want := f.dump(t)

			b, err := f.svc.CreateBackup(ctx, CreateOptions{Description: tt.name})
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, b.Status)
			assert.Equal(t, cfg.Compression.Enabled, b.Compressed)
			assert.Equal(t, cfg.Encryption.Enabled, b.Encrypted)
			assert.NotEmpty(t, b.Checksum)
			assert.Equal(t, 3, b.RowCount)

			f.exec(t, "DELETE FROM accounts WHERE email = 'b@example.com'")
			f.exec(t, "CREATE TABLE scratch (x)")
			require.NotEqual(t, want, f.dump(t))

			require.NoError(t, f.svc.RestoreBackup(ctx, b.ID, RestoreOptions{}))
			assert.Equal(t, want, f.dump(t))
		})
	}
}

func TestRestoreRejectsTamperedPayload(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.NewBackupMetrics(reg)
	f := newFixture(t, DefaultConfig(), nil, WithMetrics(m))

	f.exec(t, "INSERT INTO accounts (email, password) VALUES ('only@example.com', 'pw')")
	b, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	data, err := f.store.Get(ctx, RecordKey(b.ID))
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	rec.Payload[len(rec.Payload)/2] ^= 0x01
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, RecordKey(b.ID), data))

	f.exec(t, "INSERT INTO accounts (email, password) VALUES ('later@example.com', 'pw')")
	before := f.dump(t)

	err = f.svc.RestoreBackup(ctx, b.ID, RestoreOptions{})
	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, b.ID, mismatch.BackupID)
	assert.Equal(t, b.Checksum, mismatch.Expected)
	assert.NotEqual(t, mismatch.Expected, mismatch.Actual)
	assert.Equal(t, ChecksumSHA256, mismatch.Algorithm)

	assert.Equal(t, before, f.dump(t), "live store must be untouched")
	assert.Empty(t, f.svc.RecoveryPoints(), "no recovery point is taken for a rejected backup")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksumMismatches))

	_, err = f.svc.VerifyBackup(ctx, b.ID)
	assert.ErrorAs(t, err, &mismatch)
}

func TestRestoreRejectsUnreadableRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, uncompressed(), nil)
	b, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	data, err := f.store.Get(ctx, RecordKey(b.ID))
	require.NoError(t, err)
	data[0] = '#'
	require.NoError(t, f.store.Put(ctx, RecordKey(b.ID), data))

	err = f.svc.RestoreBackup(ctx, b.ID, RestoreOptions{})
	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Error(t, mismatch.Cause)
}

func TestRestoreRejectsNonCanonicalPayloadEncoding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, uncompressed(), nil)
	f.exec(t, "INSERT INTO accounts (email, password) VALUES ('only@example.com', 'pw')")
	b, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	data, err := f.store.Get(ctx, RecordKey(b.ID))
	require.NoError(t, err)
	field := []byte(`"payload":"`)
	at := bytes.Index(data, field)
	require.Positive(t, at)
	at += len(field) + 1

	// A JSON-escaped newline inside the base64 text decodes to the same bytes
	// under lenient base64 rules.
	tampered := append(append(append([]byte{}, data[:at]...), `\n`...), data[at:]...)
	require.NoError(t, f.store.Put(ctx, RecordKey(b.ID), tampered))

	err = f.svc.RestoreBackup(ctx, b.ID, RestoreOptions{})
	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Error(t, mismatch.Cause)
}

func TestRecordRejectsPaddingBits(t *testing.T) {
	data, err := json.Marshal(Record{Metadata: Backup{ID: "b1"}, Payload: []byte{0xff}})
	require.NoError(t, err)
	require.Contains(t, string(data), `"payload":"/w=="`)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, []byte{0xff}, rec.Payload)
	assert.Equal(t, "b1", rec.Metadata.ID)

	flipped := strings.Replace(string(data), `"/w=="`, `"/x=="`, 1)
	assert.Error(t, json.Unmarshal([]byte(flipped), &rec))

	require.NoError(t, json.Unmarshal([]byte(`{"metadata":{"id":"b2"}}`), &rec))
	assert.Nil(t, rec.Payload)
}

func TestRestoreRejectsRecordSwappedFromAnotherBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, uncompressed(), nil)

	first, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)
	f.exec(t, "INSERT INTO accounts (email, password) VALUES ('x@example.com', 'pw')")
	second, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	data, err := f.store.Get(ctx, RecordKey(second.ID))
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, RecordKey(first.ID), data))

	var mismatch *ChecksumMismatchError
	assert.ErrorAs(t, f.svc.RestoreBackup(ctx, first.ID, RestoreOptions{}), &mismatch)
}

// gatedStore blocks the first record write until released.
type gatedStore struct {
	blobstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Put(ctx context.Context, key string, data []byte) error {
	if strings.HasPrefix(key, RecordKeyPrefix) {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Store.Put(ctx, key, data)
}

func TestConcurrentCreateFailsFast(t *testing.T) {
	ctx := context.Background()
	gate := &gatedStore{
		Store:   blobstore.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, DefaultConfig(), gate)

	type result struct {
		b   *Backup
		err error
	}
	first := make(chan result, 1)
	go func() {
		b, err := f.svc.CreateBackup(ctx, CreateOptions{})
		first <- result{b, err}
	}()

	<-gate.entered
	start := time.Now()
	_, err := f.svc.CreateBackup(ctx, CreateOptions{})
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "create backup", busy.InFlight)
	assert.Less(t, time.Since(start), time.Second, "second caller must not queue")

	var restoreBusy *BusyError
	assert.ErrorAs(t, f.svc.RestoreBackup(ctx, "any", RestoreOptions{}), &restoreBusy)

	close(gate.release)
	res := <-first
	require.NoError(t, res.err)

	backups, err := f.svc.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, res.b.ID, backups[0].ID)
}

// failingStore fails writes to keys matched by failOn.
type failingStore struct {
	blobstore.Store
	failOn func(key string) bool
}

func (s *failingStore) Put(ctx context.Context, key string, data []byte) error {
	if s.failOn(key) {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, key, data)
}

func TestStoreFailureLeavesCatalogUntouched(t *testing.T) {
	tests := []struct {
		name   string
		failOn func(string) bool
	}{
		{"record write", func(k string) bool { return strings.HasPrefix(k, RecordKeyPrefix) }},
		{"catalog write", func(k string) bool { return k == CatalogKey }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := blobstore.NewMemoryStore()
			f := newFixture(t, DefaultConfig(), &failingStore{Store: mem, failOn: tt.failOn})

			_, err := f.svc.CreateBackup(ctx, CreateOptions{})
			var backupErr *BackupError
			require.ErrorAs(t, err, &backupErr)
			assert.Equal(t, BackupErrorTypeStorage, backupErr.Type)
			assert.True(t, IsRetryable(err))

			backups, err := f.svc.ListBackups(ctx)
			require.NoError(t, err)
			assert.Empty(t, backups)

			keys, err := mem.List(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, keys, "no record or catalog is left behind")
		})
	}
}

func TestCreateRejectsIncremental(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	_, err := f.svc.CreateBackup(context.Background(), CreateOptions{Kind: KindIncremental})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestRetentionDropsOldest(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := uncompressed()
	cfg.MaxBackups = 2
	f := newFixture(t, cfg, nil, WithClock(clock))

	var ids []string
	for i := 0; i < 4; i++ {
		b, err := f.svc.CreateBackup(ctx, CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, b.ID)
		now = now.Add(time.Minute)
	}

	backups, err := f.svc.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, ids[3], backups[0].ID)
	assert.Equal(t, ids[2], backups[1].ID)

	keys, err := f.store.List(ctx, RecordKeyPrefix)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{RecordKey(ids[2]), RecordKey(ids[3])}, keys)

	_, err = f.svc.GetBackup(ctx, ids[0])
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestRetentionByAgeKeepsNewest(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := uncompressed()
	cfg.MaxBackups = 0
	cfg.MaxAge = time.Hour
	f := newFixture(t, cfg, nil, WithClock(clock))

	_, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)
	now = now.Add(3 * time.Hour)
	newest, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	backups, err := f.svc.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, newest.ID, backups[0].ID)
}

func TestRecoveryPoints(t *testing.T) {
	ctx := context.Background()
	cfg := uncompressed()
	cfg.RecoveryPoints = 2
	f := newFixture(t, cfg, nil)

	b, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	var states []string
	for i := 0; i < 3; i++ {
		f.exec(t, "INSERT INTO accounts (email, password) VALUES (?, 'pw')", string(rune('a'+i))+"@example.com")
		states = append(states, f.dump(t))
		require.NoError(t, f.svc.RestoreBackup(ctx, b.ID, RestoreOptions{}))
		assert.Equal(t, 0, f.count(t, "accounts"))
	}

	points := f.svc.RecoveryPoints()
	require.Len(t, points, 2, "ring is capacity bounded")
	assert.Equal(t, b.ID, points[0].BackupID)
	assert.False(t, points[0].CreatedAt.Before(points[1].CreatedAt))

	// newest point holds the state just before the last restore
	require.NoError(t, f.svc.RestoreRecoveryPoint(ctx, points[0].ID))
	assert.Equal(t, states[2], f.dump(t))

	assert.ErrorIs(t, f.svc.RestoreRecoveryPoint(ctx, "missing"), ErrRecoveryPointNotFound)
}

func TestRestoreCanSkipRecoveryPoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), nil)
	b, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.svc.RestoreBackup(ctx, b.ID, RestoreOptions{SkipRecoveryPoint: true}))
	assert.Empty(t, f.svc.RecoveryPoints())
}

func TestRestoreUnknownBackup(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	err := f.svc.RestoreBackup(context.Background(), "nope", RestoreOptions{})
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestRestoreMissingRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), nil)
	b, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, RecordKey(b.ID)))

	assert.ErrorIs(t, f.svc.RestoreBackup(ctx, b.ID, RestoreOptions{}), ErrBackupNotFound)
}

func TestCatalogSurvivesReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), nil)

	b, err := f.svc.CreateBackup(ctx, CreateOptions{
		Description: "nightly",
		Tags:        map[string]string{"trigger": "cron"},
	})
	require.NoError(t, err)

	reopened, err := NewService(DefaultConfig(), f.pool, f.store)
	require.NoError(t, err)
	require.NoError(t, reopened.Load(ctx))

	got, err := reopened.GetBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Checksum, got.Checksum)
	assert.Equal(t, "nightly", got.Description)
	assert.Equal(t, "cron", got.Tags["trigger"])
	assert.Equal(t, CompressionTypeZstd, got.Compression)
	assert.Equal(t, CompressionFormatVersion, got.CompressionFormat)
	assert.Equal(t, engine.SnapshotFormatVersion, got.SnapshotFormat)

	_, err = reopened.VerifyBackup(ctx, b.ID)
	assert.NoError(t, err)
}

func TestDeleteBackup(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.NewBackupMetrics(reg)
	f := newFixture(t, DefaultConfig(), nil, WithMetrics(m))

	b, err := f.svc.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CatalogSize))

	require.NoError(t, f.svc.DeleteBackup(ctx, b.ID))
	_, err = f.store.Get(ctx, RecordKey(b.ID))
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CatalogSize))

	assert.ErrorIs(t, f.svc.DeleteBackup(ctx, b.ID), ErrBackupNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("delete", "error")))
}

func TestNewServiceValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Checksum = "md5"
	_, err := NewService(cfg, nil, blobstore.NewMemoryStore())
	var backupErr *BackupError
	require.ErrorAs(t, err, &backupErr)
	assert.Equal(t, BackupErrorTypeConfiguration, backupErr.Type)
}

func TestHealthCheckUsesStore(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	assert.NoError(t, f.svc.HealthCheck(context.Background()))
}
