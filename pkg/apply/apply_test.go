package apply

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/telekom/omnibus-reconciler/pkg/render"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

func artifact(id, service, path, content string) render.Artifact {
	return render.Artifact{ID: id, Service: service, Path: path, Content: []byte(content), Digest: render.Digest([]byte(content))}
}

func TestFileApplierWritesAndRemoves(t *testing.T) {
	root := t.TempDir()
	f := NewFileApplier(root, system.NewTestLogger())
	a := artifact("mail", "gitlab-rails", "gitlab-rails/smtp_settings.yml", "smtp:\n  enabled: true\n")

	require.NoError(t, f.Apply(context.Background(), a))
	got, err := os.ReadFile(filepath.Join(root, "gitlab-rails/smtp_settings.yml"))
	require.NoError(t, err)
	assert.Equal(t, a.Content, got)

	info, err := os.Stat(filepath.Join(root, "gitlab-rails/smtp_settings.yml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	a.Content = []byte("smtp:\n  enabled: false\n")
	require.NoError(t, f.Apply(context.Background(), a))
	got, err = os.ReadFile(filepath.Join(root, "gitlab-rails/smtp_settings.yml"))
	require.NoError(t, err)
	assert.Equal(t, "smtp:\n  enabled: false\n", string(got))

	entries, err := os.ReadDir(filepath.Join(root, "gitlab-rails"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")

	e := Entry{ID: a.ID, Service: a.Service, Path: a.Path}
	require.NoError(t, f.Remove(context.Background(), e))
	_, err = os.Stat(filepath.Join(root, "gitlab-rails/smtp_settings.yml"))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, f.Remove(context.Background(), e), "removing twice is fine")
}

func TestFileApplierRejectsEscapingPaths(t *testing.T) {
	f := NewFileApplier(t.TempDir(), system.NewTestLogger())
	err := f.Apply(context.Background(), artifact("proxy", "nginx", "../etc/passwd", "x"))

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, "proxy", applyErr.Artifact)
	assert.Equal(t, "nginx", applyErr.Service)
}

func TestStateDiff(t *testing.T) {
	s := NewState()
	proxy := artifact("proxy", "nginx", "nginx/conf.d/gitlab-http.conf", "server {}")
	mail := artifact("mail", "gitlab-rails", "gitlab-rails/smtp_settings.yml", "smtp: {}")
	dir := artifact("directory.old", "directory-sync", "directory-sync/old.yml", "old")

	d := s.Diff([]render.Artifact{mail, proxy})
	assert.Len(t, d.Changed, 2)
	assert.False(t, d.Empty())

	now := time.Now()
	s.Record(proxy, now)
	s.Record(mail, now)
	s.Record(dir, now)

	mail.Content = []byte("smtp: {enabled: true}")
	mail.Digest = render.Digest(mail.Content)
	d = s.Diff([]render.Artifact{mail, proxy})
	require.Len(t, d.Changed, 1)
	assert.Equal(t, "mail", d.Changed[0].ID)
	assert.Equal(t, []string{"proxy"}, d.Unchanged)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, "directory.old", d.Removed[0].ID)

	s.Forget("directory.old")
	s.Record(mail, now)
	assert.True(t, s.Diff([]render.Artifact{mail, proxy}).Empty())
}

func TestStatePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "applied.yml")
	s, err := LoadState(path)
	require.NoError(t, err)
	assert.Empty(t, s.Entries())

	proxy := artifact("proxy", "nginx", "nginx/conf.d/gitlab-http.conf", "server {}")
	s.Record(proxy, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.Save())

	loaded, err := LoadState(path)
	require.NoError(t, err)
	assert.True(t, loaded.Diff([]render.Artifact{proxy}).Empty())
	require.Len(t, loaded.Entries(), 1)
	assert.Equal(t, "nginx", loaded.Entries()[0].Service)
}

func TestLoadStateRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "applied.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: 7\nartifacts: []\n"), 0o600))
	_, err := LoadState(path)
	assert.Error(t, err)
}

func TestConfigMapApplier(t *testing.T) {
	ctx := context.Background()
	c := fake.NewClientBuilder().Build()
	applier := NewConfigMapApplier(c, "gitlab", "", system.NewTestLogger())

	proxy := artifact("proxy", "nginx", "nginx/conf.d/gitlab-http.conf", "server {}")
	registryProxy := artifact("proxy.registry", "nginx", "nginx/conf.d/gitlab-registry.conf", "server { listen 5050; }")
	require.NoError(t, applier.Apply(ctx, proxy))
	require.NoError(t, applier.Apply(ctx, registryProxy))

	cm := &corev1.ConfigMap{}
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: "gitlab", Name: "omnibus-nginx"}, cm))
	assert.Equal(t, "server {}", cm.Data["nginx_conf.d_gitlab-http.conf"])
	assert.Equal(t, "server { listen 5050; }", cm.Data["nginx_conf.d_gitlab-registry.conf"])
	assert.Equal(t, "omnibus-reconciler", cm.Labels["app.kubernetes.io/managed-by"])
	assert.Equal(t, "nginx", cm.Labels["omnibus.telekom.de/service"])
	assert.NotEmpty(t, cm.Annotations["omnibus.telekom.de/digest.proxy"])

	require.NoError(t, applier.Remove(ctx, Entry{ID: proxy.ID, Service: proxy.Service, Path: proxy.Path}))
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: "gitlab", Name: "omnibus-nginx"}, cm))
	assert.NotContains(t, cm.Data, "nginx_conf.d_gitlab-http.conf")

	require.NoError(t, applier.Remove(ctx, Entry{ID: registryProxy.ID, Service: "nginx", Path: registryProxy.Path}))
	err := c.Get(ctx, client.ObjectKey{Namespace: "gitlab", Name: "omnibus-nginx"}, cm)
	assert.True(t, apierrors.IsNotFound(err), "empty ConfigMaps are deleted")

	assert.NoError(t, applier.Remove(ctx, Entry{ID: "mail", Service: "gitlab-rails", Path: "gitlab-rails/smtp_settings.yml"}))
}

func TestHTTPReloader(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer hook-token", r.Header.Get("Authorization"))
		if r.URL.Query().Get("service") == "registry" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewHTTPReloader(HTTPReloaderConfig{
		Endpoints: map[string]string{"nginx": srv.URL + "/hup", "registry": srv.URL + "/hup"},
		Token:     "hook-token",
	}, system.NewTestLogger())

	require.NoError(t, r.Reload(context.Background(), "nginx"))
	require.NoError(t, r.Reload(context.Background(), "gitlab-rails"), "services without endpoint are skipped")

	err := r.Reload(context.Background(), "registry")
	var reloadErr *ReloadError
	require.ErrorAs(t, err, &reloadErr)
	assert.Equal(t, "registry", reloadErr.Service)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPReloaderRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	r := NewHTTPReloader(HTTPReloaderConfig{
		Endpoints:   map[string]string{"nginx": srv.URL},
		MinInterval: time.Hour,
	}, system.NewTestLogger())

	require.NoError(t, r.Reload(context.Background(), "nginx"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, r.Reload(ctx, "nginx"))
}

func TestCommandReloader(t *testing.T) {
	var got []string
	r := NewCommandReloader([]string{"gitlab-ctl", "hup", "{service}"}, system.NewTestLogger())
	r.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		got = append([]string{name}, args...)
		if args[1] == "registry" {
			return []byte("fail: registry not running"), errors.New("exit status 1")
		}
		return nil, nil
	}

	require.NoError(t, r.Reload(context.Background(), "nginx"))
	assert.Equal(t, []string{"gitlab-ctl", "hup", "nginx"}, got)

	err := r.Reload(context.Background(), "registry")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry not running")

	assert.Error(t, NewCommandReloader(nil, system.NewTestLogger()).Reload(context.Background(), "nginx"))
}
