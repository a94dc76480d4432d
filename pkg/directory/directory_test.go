package directory

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

func testServer() settings.DirectoryServer {
	return settings.DirectoryServer{
		Name:               "main",
		Host:               "127.0.0.1",
		Port:               636,
		UIDAttribute:       "uid",
		BindDN:             "uid=gitlab,ou=services,dc=example,dc=com",
		BaseDN:             "ou=users,dc=example,dc=com",
		GroupBaseDN:        "ou=groups,dc=example,dc=com",
		Encryption:         settings.EncryptionSimpleTLS,
		VerifyCertificates: true,
		TimeoutSeconds:     1,
		Attributes: settings.AttributeMap{
			Username:  []string{"uid", "sAMAccountName"},
			Email:     []string{"mail"},
			Name:      "cn",
			FirstName: "givenName",
			LastName:  "sn",
		},
	}
}

func TestUserFilter(t *testing.T) {
	srv := testServer()
	assert.Equal(t, "(uid=*)", UserFilter(srv))

	srv.UserFilter = "memberOf=cn=dev,ou=groups,dc=example,dc=com"
	assert.Equal(t, "(&(uid=*)(memberOf=cn=dev,ou=groups,dc=example,dc=com))", UserFilter(srv))

	srv.UserFilter = ""
	srv.ActiveDirectory = true
	srv.UIDAttribute = "sAMAccountName"
	filter := UserFilter(srv)
	assert.Equal(t, "(&(sAMAccountName=*)(!(userAccountControl:1.2.840.113556.1.4.803:=2)))", filter)
	_, err := ldap.CompileFilter(filter)
	assert.NoError(t, err)

	_, err = ldap.CompileFilter(GroupFilter())
	assert.NoError(t, err)
}

func TestUserAttributesAreUnique(t *testing.T) {
	srv := testServer()
	srv.ActiveDirectory = true
	assert.Equal(t, []string{"uid", "sAMAccountName", "mail", "cn", "givenName", "sn", "userAccountControl"}, UserAttributes(srv))
}

func TestEntryHelpers(t *testing.T) {
	e := NewEntry("uid=jdoe,ou=users,dc=example,dc=com", map[string][]string{
		"UID":                {"jdoe"},
		"mail":               {"", " jdoe@example.com "},
		"userAccountControl": {"514"},
	})

	assert.Equal(t, "jdoe", e.First("uid"))
	assert.Equal(t, "jdoe@example.com", e.First("email", "mail"))
	assert.Empty(t, e.First("sn"))
	assert.True(t, e.Disabled())

	e.Attributes["useraccountcontrol"] = []string{"512"}
	assert.False(t, e.Disabled())
}

func TestGroupFromEntry(t *testing.T) {
	g := GroupFromEntry(NewEntry("cn=admins,ou=groups,dc=example,dc=com", map[string][]string{
		"member":       {"uid=a,ou=users,dc=example,dc=com"},
		"uniqueMember": {"uid=b,ou=users,dc=example,dc=com"},
		"memberUid":    {"c"},
	}))

	assert.Equal(t, "admins", g.Name, "falls back to the first RDN when cn is absent")
	assert.Equal(t, []string{"uid=a,ou=users,dc=example,dc=com", "uid=b,ou=users,dc=example,dc=com"}, g.MemberDNs)
	assert.Equal(t, []string{"c"}, g.MemberUIDs)
}

func TestDialUnreadableCAFile(t *testing.T) {
	srv := testServer()
	srv.CAFile = filepath.Join(t.TempDir(), "missing-ca.pem")

	d := NewLDAPDialer(system.NewTestLogger())
	_, err := d.Dial(context.Background(), srv, secret.New([]byte("pw")))
	require.Error(t, err)

	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ReasonCAUnreadable, ce.Reason)
	assert.Equal(t, "main", ce.Server)
	assert.Contains(t, err.Error(), "missing-ca.pem")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDialCAFileWithoutCertificates(t *testing.T) {
	srv := testServer()
	srv.CAFile = filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(srv.CAFile, []byte("not a certificate"), 0o600))

	_, err := NewLDAPDialer(system.NewTestLogger()).Dial(context.Background(), srv, nil)
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ReasonCAUnreadable, ce.Reason)
}

func TestDialSkipsCAFileWhenNotVerifying(t *testing.T) {
	srv := testServer()
	srv.VerifyCertificates = false
	srv.CAFile = "/does/not/exist.pem"

	cfg, err := NewLDAPDialer(system.NewTestLogger()).tlsConfig(srv)
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.RootCAs)
}

func TestDialConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	srv := testServer()
	srv.Encryption = settings.EncryptionPlain
	srv.Port = port

	_, err = NewLDAPDialer(system.NewTestLogger()).Dial(context.Background(), srv, secret.New([]byte("pw")))
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ReasonNetwork, ce.Reason)
	assert.True(t, IsConnectionError(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ReasonBindRejected, classify(ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))))
	assert.Equal(t, ReasonTimeout, classify(&net.OpError{Op: "dial", Err: timeoutErr{}}))
	assert.Equal(t, ReasonNetwork, classify(errors.New("connection reset")))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
