package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storekeeper/internal/application"
	"storekeeper/internal/backup"
	"storekeeper/internal/blobstore"
	"storekeeper/internal/config"
	"storekeeper/internal/logging"
	"storekeeper/internal/migration"
)

// execute runs a fresh command tree and captures both streams.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

// writeConfig writes a quiet config rooted in a temp data dir.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "storekeeper.yaml")
	body := "data_dir: " + filepath.Join(dir, "data") + `
pool:
  health_check_interval: 0s
backup:
  compression:
    enabled: false
logging:
  level: quiet
metrics:
  enabled: false
` + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "2026-01-01", "abc123", "go1.25")
	t.Cleanup(func() { SetVersionInfo("dev", "unknown", "unknown", "unknown") })

	out, _, err := execute(t, "version", "--format", "json")
	require.NoError(t, err)

	var v versionView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "1.2.3", v.Version)
	assert.Equal(t, "abc123", v.GitCommit)
	assert.Equal(t, "go1.25", v.GoVersion)

	out, _, err = execute(t, "version", "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "storekeeper 1.2.3")
	assert.Contains(t, out, "git commit: abc123")
}

func TestInvalidFormatIsRejected(t *testing.T) {
	_, _, err := execute(t, "version", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output format")
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "storekeeper.yaml")

	_, _, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, _, err = execute(t, "config", "init", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = execute(t, "config", "init", path, "--force")
	require.NoError(t, err)

	out, _, err := execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")
}

func TestConfigValidateReportsEachProblem(t *testing.T) {
	path := writeConfig(t, `
migration:
  sample_size: -1
`)
	_, errOut, err := execute(t, "--config", path, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 problem(s)")
	assert.Contains(t, errOut, "sample_size")
}

func TestConfigShowMasksCredentials(t *testing.T) {
	path := writeConfig(t, `
blob_store:
  provider: local
  s3:
    access_key: AKIAEXAMPLE
    secret_key: hunter2
`)
	out, errOut, err := execute(t, "--config", path, "config", "show", "--format", "json")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "AKIAEXAMPLE")
	assert.Contains(t, errOut, "loaded from "+path)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	s3 := doc["blob_store"].(map[string]any)["s3"].(map[string]any)
	assert.Equal(t, "********", s3["secret_key"])

	out, _, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "data_dir:")
}

func TestDataDirFlagOverridesConfig(t *testing.T) {
	path := writeConfig(t, "")
	dataDir := filepath.Join(t.TempDir(), "elsewhere")

	out, _, err := execute(t, "--config", path, "--data-dir", dataDir, "status", "--format", "json")
	require.NoError(t, err)

	var view statusView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, filepath.Join(dataDir, config.DefaultStoreFile), view.Store)
	assert.FileExists(t, view.Store)
}

func TestMigrateAndBackupLifecycle(t *testing.T) {
	path := writeConfig(t, "")
	run := func(args ...string) string {
		t.Helper()
		out, errOut, err := execute(t, append([]string{"--config", path}, args...)...)
		require.NoError(t, err, errOut)
		return out
	}

	var status migrateStatusView
	require.NoError(t, json.Unmarshal([]byte(run("migrate", "status", "--format", "json")), &status))
	assert.True(t, status.Pending)
	assert.True(t, status.Ready)
	assert.Nil(t, status.LastRun)

	var report migration.Report
	require.NoError(t, json.Unmarshal([]byte(run("migrate", "run", "--format", "json")), &report))
	require.False(t, report.Skipped)
	require.NotNil(t, report.Run)
	assert.Equal(t, migration.StateCompleted, report.Run.State)
	assert.Equal(t, 100, report.Run.Progress)
	assert.Equal(t, status.Target, report.Version.Current)
	preMigration := report.Run.BackupID
	require.NotEmpty(t, preMigration)

	require.NoError(t, json.Unmarshal([]byte(run("migrate", "run", "--format", "json")), &report))
	assert.True(t, report.Skipped)

	require.NoError(t, json.Unmarshal([]byte(run("migrate", "status", "--format", "json")), &status))
	assert.False(t, status.Pending)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, migration.StateCompleted, status.LastRun.State)

	human := run("migrate", "status", "--no-color")
	assert.Contains(t, human, "schema is up to date")
	assert.Contains(t, human, "finalize")

	var created backup.Backup
	require.NoError(t, json.Unmarshal([]byte(run("backup", "create",
		"--description", "before import", "--tag", "env=test", "--format", "json")), &created))
	assert.Equal(t, "before import", created.Description)
	assert.Equal(t, map[string]string{"env": "test"}, created.Tags)
	assert.Equal(t, backup.StatusCompleted, created.Status)

	var listed []map[string]string
	require.NoError(t, json.Unmarshal([]byte(run("backup", "list", "--format", "json")), &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, created.ID, listed[0]["ID"], "newest first")
	assert.Equal(t, "env=test", listed[0]["TAGS"])
	assert.Equal(t, preMigration, listed[1]["ID"])

	assert.Contains(t, run("backup", "show", created.ID, "--no-color"), "before import")
	assert.Contains(t, run("backup", "verify", created.ID, "--no-color"), "is intact")
	assert.Contains(t, run("backup", "restore", created.ID, "--no-color"), "store restored")
	assert.Contains(t, run("backup", "delete", preMigration, "--no-color"), "deleted")

	require.NoError(t, json.Unmarshal([]byte(run("backup", "list", "--format", "json")), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0]["ID"])

	plan := run("migrate", "plan", "--no-color")
	assert.Contains(t, plan, migration.StepSnapshot)
	assert.Contains(t, plan, migration.StepValidate)
}

func TestBackupErrors(t *testing.T) {
	path := writeConfig(t, "")

	_, _, err := execute(t, "--config", path, "backup", "show", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, backup.ErrBackupNotFound)

	_, _, err = execute(t, "--config", path, "backup", "create", "--kind", "incremental")
	require.Error(t, err)
	assert.ErrorIs(t, err, backup.ErrUnsupportedKind)

	_, _, err = execute(t, "--config", path, "backup", "verify")
	require.Error(t, err, "an id is required")
}

func TestResolveWithoutUnresolvedRun(t *testing.T) {
	path := writeConfig(t, "")
	_, _, err := execute(t, "--config", path, "migrate", "resolve", "--note", "checked by hand")
	require.Error(t, err)
	assert.ErrorIs(t, err, migration.ErrNothingToResolve)

	_, _, err = execute(t, "--config", path, "migrate", "resolve")
	require.Error(t, err, "--note is required")
}

func TestReportError(t *testing.T) {
	var buf bytes.Buffer
	reportError(&buf, &migration.UnresolvedRunError{RunID: "r1"})
	assert.Contains(t, buf.String(), "r1")
	assert.Contains(t, buf.String(), "cause:")

	buf.Reset()
	reportError(&buf, errors.New("plain failure"))
	assert.Equal(t, "[ERROR] plain failure\n", buf.String())

	buf.Reset()
	reportError(&buf, context.DeadlineExceeded)
	assert.Contains(t, buf.String(), "can be retried")
}

func TestServeMux(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Store.Path = ""
	cfg.BlobStore = blobstore.Config{Provider: blobstore.ProviderMemory}
	cfg.Pool.HealthCheckInterval = 0
	cfg.SetDefaults()

	logger, err := logging.NewLogger(logging.Config{Level: logging.LogLevelQuiet, Output: &bytes.Buffer{}})
	require.NoError(t, err)
	app, err := application.New(context.Background(), cfg, application.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	mux := newServeMux(app)
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get("/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "storekeeper_backup_catalog_size"))
}

func TestWriteStatusUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeStatus(rec, &migration.UnresolvedRunError{RunID: "r9"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Contains(t, body.Error, "r9")
}
