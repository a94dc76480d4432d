package directory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

// DefaultPageSize is the paged-results size used for searches.
const DefaultPageSize = 500

// LDAPDialer dials directory servers with go-ldap.
type LDAPDialer struct {
	log      *zap.SugaredLogger
	pageSize uint32
	readFile func(string) ([]byte, error)
}

func NewLDAPDialer(log *zap.SugaredLogger) *LDAPDialer {
	return &LDAPDialer{
		log:      log.Named("ldap"),
		pageSize: DefaultPageSize,
		readFile: os.ReadFile,
	}
}

// Dial connects, negotiates TLS per the encryption mode and binds. Every
// failure is a *ConnectionError.
func (d *LDAPDialer) Dial(ctx context.Context, srv settings.DirectoryServer, password *secret.Secret) (Session, error) {
	fail := func(reason Reason, err error) (Session, error) {
		return nil, &ConnectionError{Server: srv.Name, Reason: reason, Err: err}
	}

	tlsConfig, err := d.tlsConfig(srv)
	if err != nil {
		return fail(ReasonCAUnreadable, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(ReasonTimeout, err)
	}

	timeout := time.Duration(srv.TimeoutSeconds) * time.Second
	dialer := &net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))

	var conn *ldap.Conn
	if srv.Encryption == settings.EncryptionSimpleTLS {
		conn, err = ldap.DialURL("ldaps://"+addr, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfig))
	} else {
		conn, err = ldap.DialURL("ldap://"+addr, ldap.DialWithDialer(dialer))
	}
	if err != nil {
		return fail(classify(err), err)
	}
	conn.SetTimeout(timeout)

	if srv.Encryption == settings.EncryptionStartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			_ = conn.Close()
			return fail(ReasonTLS, err)
		}
	}

	if srv.BindDN != "" {
		err := password.Use(func(pw []byte) error {
			return conn.Bind(srv.BindDN, string(pw))
		})
		if err != nil {
			_ = conn.Close()
			return fail(classify(err), err)
		}
	}

	d.log.Debugw("Directory session opened", "server", srv.Name, "host", srv.Host, "port", srv.Port, "encryption", srv.Encryption)
	return newLDAPSession(ctx, conn, srv, d.pageSize), nil
}

// tlsConfig builds the TLS settings. When certificates are verified and a CA
// file is configured, the file must be readable and hold a certificate.
func (d *LDAPDialer) tlsConfig(srv settings.DirectoryServer) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         srv.Host,
		InsecureSkipVerify: !srv.VerifyCertificates, //nolint:gosec // operator opt-out via verify_certificates
		MinVersion:         tls.VersionTLS12,
	}
	if srv.Encryption == settings.EncryptionPlain || !srv.VerifyCertificates || srv.CAFile == "" {
		return cfg, nil
	}
	pem, err := d.readFile(srv.CAFile)
	if err != nil {
		return nil, fmt.Errorf("ca_file %s: %w", srv.CAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca_file %s: no PEM certificates found", srv.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func classify(err error) Reason {
	if ldap.IsErrorAnyOf(err, ldap.LDAPResultInvalidCredentials, ldap.LDAPResultInappropriateAuthentication) {
		return ReasonBindRejected
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verify           *tls.CertificateVerificationError
		header           tls.RecordHeaderError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) || errors.As(err, &invalid) ||
		errors.As(err, &verify) || errors.As(err, &header) {
		return ReasonTLS
	}
	return ReasonNetwork
}

type ldapSession struct {
	conn     *ldap.Conn
	srv      settings.DirectoryServer
	pageSize uint32

	stop     chan struct{}
	stopOnce sync.Once
}

// newLDAPSession closes conn when ctx ends so blocked searches return.
func newLDAPSession(ctx context.Context, conn *ldap.Conn, srv settings.DirectoryServer, pageSize uint32) *ldapSession {
	s := &ldapSession{conn: conn, srv: srv, pageSize: pageSize, stop: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-s.stop:
		}
	}()
	return s
}

func (s *ldapSession) Users(ctx context.Context) ([]Entry, error) {
	return s.search(ctx, s.srv.BaseDN, UserFilter(s.srv), UserAttributes(s.srv))
}

func (s *ldapSession) Groups(ctx context.Context) ([]Entry, error) {
	base := s.srv.GroupBaseDN
	if base == "" {
		return nil, nil
	}
	return s.search(ctx, base, GroupFilter(), GroupAttributes())
}

func (s *ldapSession) search(ctx context.Context, base, filter string, attrs []string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		0,
		false,
		filter,
		attrs,
		nil,
	)
	resp, err := s.conn.SearchWithPaging(req, s.pageSize)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", base, err)
	}
	out := make([]Entry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		attrs := make(map[string][]string, len(e.Attributes))
		for _, a := range e.Attributes {
			attrs[a.Name] = a.Values
		}
		out = append(out, NewEntry(e.DN, attrs))
	}
	return out, nil
}

func (s *ldapSession) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.conn.Close()
}
