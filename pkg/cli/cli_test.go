package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/telekom/omnibus-reconciler/pkg/config"
	"github.com/telekom/omnibus-reconciler/pkg/dirsync"
	"github.com/telekom/omnibus-reconciler/pkg/leaderelection"
	"github.com/telekom/omnibus-reconciler/pkg/reconcile"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

func testOptions(t *testing.T, out *bytes.Buffer, env map[string]string) Options {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")
	return Options{
		OutputWriter: out,
		Environ:      func() []string { return nil },
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
		Logger: zaptest.NewLogger(t),
	}
}

func execute(t *testing.T, opts Options, args ...string) error {
	t.Helper()
	root := NewRootCommand(opts)
	root.SetArgs(args)
	return root.Execute()
}

// writeConfig writes a reconciler config with file output below dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("output:\n  root: %s\n  statePath: %s\n", filepath.Join(dir, "out"), filepath.Join(dir, "state.yaml"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidate(t *testing.T) {
	t.Run("valid settings", func(t *testing.T) {
		var out bytes.Buffer
		err := execute(t, testOptions(t, &out, nil), "validate", "-f", "testdata/gitlab.yml")
		require.NoError(t, err)
		assert.Contains(t, out.String(), "Settings valid (1 directory server(s))")
	})

	t.Run("invalid settings", func(t *testing.T) {
		var out bytes.Buffer
		err := execute(t, testOptions(t, &out, nil), "validate", "-f", "testdata/invalid.yml")
		require.Error(t, err)
		assert.ErrorIs(t, err, settings.ErrInvalidSettings)
		assert.Contains(t, out.String(), settings.KeySSLCertificateKey)
	})

	t.Run("json report", func(t *testing.T) {
		var out bytes.Buffer
		err := execute(t, testOptions(t, &out, nil), "validate", "-f", "testdata/invalid.yml", "-o", "json")
		require.Error(t, err)

		var report ValidationReport
		require.NoError(t, json.Unmarshal(out.Bytes(), &report))
		assert.False(t, report.Valid)
		require.NotEmpty(t, report.Errors)
	})

	t.Run("strict rejects unknown keys", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gitlab.yml")
		require.NoError(t, os.WriteFile(path, []byte("external_url: https://gitlab.example.com\nunicorn:\n  workers: 3\n"), 0o600))

		var out bytes.Buffer
		require.NoError(t, execute(t, testOptions(t, &out, nil), "validate", "-f", path))
		assert.Contains(t, out.String(), "unicorn.workers")

		out.Reset()
		assert.ErrorIs(t, execute(t, testOptions(t, &out, nil), "validate", "-f", path, "--strict"), settings.ErrInvalidSettings)
	})
}

func TestRender(t *testing.T) {
	t.Run("writes artifacts", func(t *testing.T) {
		dir := t.TempDir()
		var out bytes.Buffer
		opts := testOptions(t, &out, map[string]string{"TEST_LDAP_PASSWORD": "bind-secret"})

		err := execute(t, opts, "render", "-f", "testdata/gitlab.yml", "--out", dir)
		require.NoError(t, err)
		assert.Contains(t, out.String(), "directory.main")
		assert.Contains(t, out.String(), "Wrote 3 artifact(s)")

		assert.FileExists(t, filepath.Join(dir, "nginx", "conf.d", "gitlab-http.conf"))
		descriptor, err := os.ReadFile(filepath.Join(dir, "directory-sync", "main.yml"))
		require.NoError(t, err)
		assert.NotContains(t, string(descriptor), "bind-secret")
	})

	t.Run("reports servers without secret", func(t *testing.T) {
		var out bytes.Buffer
		err := execute(t, testOptions(t, &out, nil), "render", "-f", "testdata/gitlab.yml", "-o", "json")
		require.NoError(t, err)

		var report RenderReport
		require.NoError(t, json.Unmarshal(out.Bytes(), &report))
		assert.Len(t, report.Artifacts, 2)
		assert.Contains(t, report.Skipped["main"], "TEST_LDAP_PASSWORD")
	})
}

func TestReconcileTwiceReportsNoChange(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	env := map[string]string{"TEST_LDAP_PASSWORD": "bind-secret"}

	var out bytes.Buffer
	err := execute(t, testOptions(t, &out, env), "reconcile", "--config", cfgPath, "-f", "testdata/gitlab.yml", "-o", "json")
	require.NoError(t, err)
	var first reconcile.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &first))
	assert.Equal(t, reconcile.StatusApplied, first.Status)
	assert.Equal(t, reconcile.DirectoryRendered, first.Directories["main"].State)
	assert.FileExists(t, filepath.Join(dir, "state.yaml"))
	assert.FileExists(t, filepath.Join(dir, "out", "gitlab-rails", "smtp_settings.yml"))

	out.Reset()
	err = execute(t, testOptions(t, &out, env), "reconcile", "--config", cfgPath, "-f", "testdata/gitlab.yml", "-o", "json")
	require.NoError(t, err)
	var second reconcile.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &second))
	assert.Equal(t, reconcile.StatusNoChange, second.Status)
}

func TestReconcileInvalidSettings(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	err := execute(t, testOptions(t, &out, nil), "reconcile", "--config", writeConfig(t, dir), "-f", "testdata/invalid.yml")
	assert.ErrorIs(t, err, settings.ErrInvalidSettings)
	assert.Contains(t, out.String(), "Status: failed")
	assert.NoDirExists(t, filepath.Join(dir, "out"))
}

func TestSyncValidatesArguments(t *testing.T) {
	var out bytes.Buffer
	opts := testOptions(t, &out, nil)

	assert.ErrorIs(t, execute(t, opts, "sync", "backup", "-f", "testdata/gitlab.yml"), dirsync.ErrUnknownServer)
	assert.ErrorIs(t, execute(t, opts, "sync", "main", "--kind", "delta", "-f", "testdata/gitlab.yml"), dirsync.ErrUnknownKind)
	assert.Error(t, execute(t, opts, "sync", "main", "-f", "testdata/gitlab.yml"), "unresolvable bind secret")
	assert.Error(t, execute(t, opts, "sync"))
}

func TestSyncHelpWarnsAboutServeOverlap(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, execute(t, testOptions(t, &out, nil), "sync", "--help"))
	assert.Contains(t, out.String(), "not coordinated with a running serve process")
	assert.Contains(t, out.String(), "POST /api/jobs/SERVER/KIND/run")
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, execute(t, testOptions(t, &out, nil), "version", "-o", "json"))

	var info system.BuildInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, system.Version, info.Version)
}

func TestUnknownOutputFormat(t *testing.T) {
	var out bytes.Buffer
	err := execute(t, testOptions(t, &out, nil), "version", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	dir := t.TempDir()
	var out bytes.Buffer
	root := NewRootCommand(testOptions(t, &out, nil))
	rt, err := getRuntime(root)
	require.NoError(t, err)
	rt.configPath = writeConfig(t, dir)
	rt.settingsPaths = []string{"testdata/gitlab.yml"}
	require.NoError(t, rt.loadConfig())
	rt.cfg.Server.ListenAddress = "127.0.0.1:0"

	d, err := rt.newDaemon(context.Background())
	require.NoError(t, err)
	return d
}

func TestNewDaemonWiresComponents(t *testing.T) {
	d := newTestDaemon(t)
	assert.NotNil(t, d.driver)
	assert.NotNil(t, d.scheduler)
	assert.Nil(t, d.campaign)

	// Without its bind secret the server is reported, not scheduled
	values, err := d.source.Load()
	require.NoError(t, err)
	res, err := d.driver.Pass(context.Background(), values)
	require.NoError(t, err)
	assert.Equal(t, reconcile.DirectorySecretUnavailable, res.Directories["main"].State)
	assert.Empty(t, d.scheduler.States())

	require.NoError(t, d.scheduler.Stop(context.Background()))
	assert.NoError(t, d.Close())
}

func TestDaemonWaitsForLeadership(t *testing.T) {
	d := newTestDaemon(t)
	acquire := make(chan struct{})
	d.campaign = func(ctx context.Context, onLeading func()) error {
		select {
		case <-acquire:
			onLeading()
		case <-ctx.Done():
			return nil
		}
		<-ctx.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, d.driver.Last(), "no pass before the lease is held")

	close(acquire)
	require.Eventually(t, func() bool { return d.driver.Last() != nil }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonStopsWhenLeadershipLost(t *testing.T) {
	d := newTestDaemon(t)
	d.campaign = func(_ context.Context, onLeading func()) error {
		onLeading()
		return leaderelection.ErrLeadershipLost
	}

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, leaderelection.ErrLeadershipLost)
}
