package render

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

func sampleValues() settings.Values {
	return settings.Values{
		settings.KeyExternalURL:         "https://gitlab.example.com",
		settings.KeySSLCertificate:      "/etc/gitlab/ssl/cert.pem",
		settings.KeySSLCertificateKey:   "/etc/gitlab/ssl/key.pem",
		settings.KeySSLClientCert:       "/etc/gitlab/ssl/ca.pem",
		settings.KeySMTPEnable:          true,
		settings.KeySMTPAddress:         "maildev.example.com",
		settings.KeySMTPPort:            1025,
		settings.KeySMTPSSL:             true,
		settings.KeyRegistryExternalURL: "https://registry.example.com",
		settings.KeyRegistryNginxCert:   "/etc/gitlab/ssl/cert.pem",
		settings.KeyRegistryNginxKey:    "/etc/gitlab/ssl/key.pem",

		settings.ServerKey("main", "host"):                "openldap",
		settings.ServerKey("main", "port"):                1636,
		settings.ServerKey("main", "base"):                "ou=users,dc=ldap,dc=example,dc=com",
		settings.ServerKey("main", "group_base"):          "ou=groups,dc=ldap,dc=example,dc=com",
		settings.ServerKey("main", "bind_dn"):             "uid=gitlab,ou=services,dc=ldap,dc=example,dc=com",
		settings.ServerKey("main", "password"):            "hunter2",
		settings.ServerKey("main", "encryption"):          "simple_tls",
		settings.ServerKey("main", "tls_options.ca_file"): "/etc/gitlab/ssl/ca.pem",

		settings.ServerKey("backup", "host"):         "ldap-backup",
		settings.ServerKey("backup", "base"):         "dc=example,dc=com",
		settings.ServerKey("backup", "bind_dn"):      "cn=reader,dc=example,dc=com",
		settings.ServerKey("backup", "password_ref"): "file:/run/secrets/backup",
	}
}

func parse(t *testing.T, v settings.Values) *settings.Document {
	t.Helper()
	doc, _, err := settings.Parse(v, settings.Options{})
	require.NoError(t, err)
	t.Cleanup(doc.Release)
	return doc
}

func secretsFor(names ...string) map[string]*secret.Secret {
	out := map[string]*secret.Secret{}
	for _, n := range names {
		out[n] = secret.New([]byte("pw-" + n))
	}
	return out
}

func ids(res *Result) []string {
	var out []string
	for _, a := range res.Artifacts {
		out = append(out, a.ID)
	}
	return out
}

func TestRenderProducesAllArtifacts(t *testing.T) {
	doc := parse(t, sampleValues())

	res, err := Render(doc, secretsFor("main", "backup"))
	require.NoError(t, err)

	assert.Equal(t, []string{"directory.backup", "directory.main", "mail", "proxy", "proxy.registry", "registry"}, ids(res))
	assert.Empty(t, res.Skipped)
	require.Contains(t, res.Connections, "main")
	assert.Equal(t, 1636, res.Connections["main"].Server.Port)

	for _, a := range res.Artifacts {
		assert.Equal(t, Digest(a.Content), a.Digest, a.ID)
		assert.NotEmpty(t, a.Service, a.ID)
		assert.NotEmpty(t, a.Path, a.ID)
	}
	dir, ok := res.Get("directory.main")
	require.True(t, ok)
	assert.Equal(t, ServiceDirectorySync, dir.Service)
	assert.Equal(t, dir.Digest, res.Connections["main"].Digest)
}

func TestRenderIsDeterministic(t *testing.T) {
	doc := parse(t, sampleValues())
	secrets := secretsFor("main", "backup")

	first, err := Render(doc, secrets)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Render(doc, secrets)
		require.NoError(t, err)
		require.Equal(t, len(first.Artifacts), len(again.Artifacts))
		for j := range first.Artifacts {
			assert.True(t, bytes.Equal(first.Artifacts[j].Content, again.Artifacts[j].Content), first.Artifacts[j].ID)
		}
	}
}

func TestRenderSkipsServerWithoutSecret(t *testing.T) {
	doc := parse(t, sampleValues())

	res, err := Render(doc, secretsFor("main"))
	require.NoError(t, err)

	assert.Equal(t, []string{"backup"}, res.Skipped)
	assert.NotContains(t, res.Connections, "backup")
	assert.Equal(t, []string{"directory.main", "mail", "proxy", "proxy.registry", "registry"}, ids(res))
}

func TestRenderNeverContainsSecretMaterial(t *testing.T) {
	doc := parse(t, sampleValues())
	secrets := secretsFor("main", "backup")

	res, err := Render(doc, secrets)
	require.NoError(t, err)

	for _, a := range res.Artifacts {
		assert.NotContains(t, string(a.Content), "hunter2", a.ID)
		assert.NotContains(t, string(a.Content), "pw-", a.ID)
	}
	main, _ := res.Get("directory.main")
	assert.Contains(t, string(main.Content), "password: literal:[REDACTED]")
	backup, _ := res.Get("directory.backup")
	assert.Contains(t, string(backup.Content), "password: file:/run/secrets/backup")
}

func TestRenderDirectoryDescriptor(t *testing.T) {
	v := sampleValues()
	v[settings.ServerKey("backup", "encryption")] = "plain"
	v[settings.ServerKey("backup", "tls_options.ca_file")] = "/etc/gitlab/ssl/ignored.pem"
	doc := parse(t, v)

	res, err := Render(doc, secretsFor("main", "backup"))
	require.NoError(t, err)

	backup, _ := res.Get("directory.backup")
	var d map[string]interface{}
	require.NoError(t, yaml.Unmarshal(backup.Content, &d))
	assert.NotContains(t, d, "ca_file")
	assert.Equal(t, 389, d["port"])
	assert.Equal(t, "plain", d["encryption"])
	assert.Equal(t, map[string]interface{}{"full": settings.DefaultFullSyncCron, "group": settings.DefaultGroupSyncCron}, d["sync"])

	main, _ := res.Get("directory.main")
	assert.Contains(t, string(main.Content), "ca_file: /etc/gitlab/ssl/ca.pem")
}

func TestRenderProxy(t *testing.T) {
	doc := parse(t, sampleValues())

	res, err := Render(doc, nil)
	require.NoError(t, err)

	proxy, ok := res.Get(IDProxy)
	require.True(t, ok)
	conf := string(proxy.Content)
	assert.Contains(t, conf, "listen *:443 ssl;")
	assert.Contains(t, conf, "return 301 https://gitlab.example.com$request_uri;")
	assert.Contains(t, conf, "ssl_certificate /etc/gitlab/ssl/cert.pem;")
	assert.Contains(t, conf, "ssl_certificate_key /etc/gitlab/ssl/key.pem;")
	assert.Contains(t, conf, "ssl_client_certificate /etc/gitlab/ssl/ca.pem;")
	assert.Contains(t, conf, "client_max_body_size 0;", "LFS is enabled by default")

	reg, ok := res.Get(IDRegistryProxy)
	require.True(t, ok)
	assert.Contains(t, string(reg.Content), "server_name registry.example.com;")
	assert.Contains(t, string(reg.Content), "proxy_pass http://127.0.0.1:5000;")
}

func TestRenderProxyPlainHTTP(t *testing.T) {
	v := sampleValues()
	v[settings.KeyExternalURL] = "http://gitlab.example.com:8080"
	delete(v, settings.KeySSLCertificate)
	delete(v, settings.KeySSLCertificateKey)
	v[settings.KeyLFSEnabled] = false
	doc := parse(t, v)

	res, err := Render(doc, nil)
	require.NoError(t, err)
	proxy, _ := res.Get(IDProxy)
	conf := string(proxy.Content)
	assert.Contains(t, conf, "listen *:8080;")
	assert.NotContains(t, conf, "ssl_certificate")
	assert.NotContains(t, conf, "return 301")
	assert.Contains(t, conf, "client_max_body_size 250m;")
}

func TestRenderMailAndRegistry(t *testing.T) {
	doc := parse(t, sampleValues())

	res, err := Render(doc, nil)
	require.NoError(t, err)

	mail, _ := res.Get(IDMail)
	var m struct {
		SMTP map[string]interface{} `yaml:"smtp"`
	}
	require.NoError(t, yaml.Unmarshal(mail.Content, &m))
	assert.Equal(t, true, m.SMTP["enabled"])
	assert.Equal(t, "maildev.example.com", m.SMTP["address"])
	assert.Equal(t, 1025, m.SMTP["port"])
	assert.Equal(t, true, m.SMTP["tls"])
	assert.NotContains(t, m.SMTP, "password")

	reg, _ := res.Get(IDRegistry)
	assert.Contains(t, string(reg.Content), "realm: https://gitlab.example.com/jwt/auth")
	assert.Contains(t, string(reg.Content), "rootdirectory: /var/opt/gitlab/gitlab-rails/shared/registry")
}

func TestRenderRegistryDisabled(t *testing.T) {
	v := sampleValues()
	v[settings.KeyRegistryEnable] = false
	doc := parse(t, v)

	res, err := Render(doc, secretsFor("main", "backup"))
	require.NoError(t, err)
	for _, id := range ids(res) {
		assert.False(t, strings.HasPrefix(id, "registry") || id == IDRegistryProxy, id)
	}
}

func TestRenderInvariantViolation(t *testing.T) {
	_, err := Render(nil, nil)
	var rerr *Error
	require.True(t, errors.As(err, &rerr))

	doc := parse(t, sampleValues())
	doc.TLS.KeyPath = ""
	_, err = Render(doc, nil)
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, IDProxy, rerr.Artifact)
}
