package settings

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/robfig/cron/v3"
)

var (
	serverNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

	opensslVerifyModes = map[string]bool{
		"none":                 true,
		"peer":                 true,
		"client_once":          true,
		"fail_if_no_peer_cert": true,
	}
)

// Validate checks the document's invariants. It is pure: paths are checked
// for pairing only, never opened.
func (d *Document) Validate() ([]FieldError, []Warning) {
	v := &validator{}

	extHost := v.url(KeyExternalURL, d.ExternalURL, true)
	v.port(KeySSHPort, d.SSHPort)
	v.pair(KeySSLCertificate, d.TLS.CertPath, KeySSLCertificateKey, d.TLS.KeyPath)

	if d.SMTP.Enabled {
		if d.SMTP.Address == "" {
			v.fail(KeySMTPAddress, "required when %s is true", KeySMTPEnable)
		}
		v.port(KeySMTPPort, d.SMTP.Port)
		if d.SMTP.SSL && d.SMTP.StartTLS {
			v.warn(KeySMTPSSL, "both %s and %s are enabled; they are mutually exclusive and the relay's behavior is undefined", KeySMTPSSL, KeySMTPStartTLS)
		}
	}
	if m := d.SMTP.OpenSSLVerifyMode; m != "" && !opensslVerifyModes[m] {
		v.fail(KeySMTPVerifyMode, "unknown verify mode %q (expected none, peer, client_once or fail_if_no_peer_cert)", m)
	}

	if d.Registry.Enabled {
		regHost := v.url(KeyRegistryExternalURL, d.Registry.ExternalURL, true)
		if extHost != "" && regHost != "" && strings.EqualFold(extHost, regHost) {
			v.fail(KeyRegistryExternalURL, "host %q must differ from the host of %s", regHost, KeyExternalURL)
		}
		if d.Registry.StoragePath == "" {
			v.fail(KeyRegistryPath, "required when the registry is enabled")
		}
		if d.Registry.NginxEnabled {
			v.pair(KeyRegistryNginxCert, d.Registry.NginxCert, KeyRegistryNginxKey, d.Registry.NginxKey)
		}
	} else if d.Registry.ExternalURL != "" {
		regHost := v.url(KeyRegistryExternalURL, d.Registry.ExternalURL, false)
		if extHost != "" && regHost != "" && strings.EqualFold(extHost, regHost) {
			v.fail(KeyRegistryExternalURL, "host %q must differ from the host of %s", regHost, KeyExternalURL)
		}
	}

	v.cron(KeyFullSyncCron, d.SyncSchedule.FullSyncCron)
	v.cron(KeyGroupSyncCron, d.SyncSchedule.GroupSyncCron)

	for _, name := range sortedServerNames(d.DirectoryServers) {
		v.server(d.DirectoryServers[name])
	}
	return v.errs, v.warns
}

type validator struct {
	errs  []FieldError
	warns []Warning
}

func (v *validator) fail(key, format string, args ...interface{}) {
	v.errs = append(v.errs, FieldError{Field: key, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) warn(key, format string, args ...interface{}) {
	v.warns = append(v.warns, Warning{Field: key, Message: fmt.Sprintf(format, args...)})
}

// url validates an absolute http(s) URL and returns its host name.
func (v *validator) url(key, raw string, required bool) string {
	if raw == "" {
		if required {
			v.fail(key, "required")
		}
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		v.fail(key, "not a valid URL: %v", err)
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		v.fail(key, "scheme must be http or https, got %q", u.Scheme)
		return ""
	}
	if u.Hostname() == "" {
		v.fail(key, "must include a host name")
		return ""
	}
	return u.Hostname()
}

func (v *validator) port(key string, port int) {
	if port < 1 || port > 65535 {
		v.fail(key, "port %d out of range 1-65535", port)
	}
}

// pair reports the missing half of a certificate/key pair.
func (v *validator) pair(certKey, cert, keyKey, key string) {
	switch {
	case cert != "" && key == "":
		v.fail(keyKey, "required when %s is set", certKey)
	case cert == "" && key != "":
		v.fail(certKey, "required when %s is set", keyKey)
	}
}

func (v *validator) cron(key, expr string) {
	if _, err := cron.ParseStandard(expr); err != nil {
		v.fail(key, "invalid cron expression %q: %v", expr, err)
	}
}

func (v *validator) server(srv DirectoryServer) {
	k := func(field string) string { return ServerKey(srv.Name, field) }

	if !serverNamePattern.MatchString(srv.Name) {
		v.fail(KeyLDAPServersPrefix+srv.Name, "server name must be lower-case letters, digits, '_' or '-'")
	}
	if srv.Host == "" {
		v.fail(k(fieldHost), "required")
	}
	if srv.BaseDN == "" {
		v.fail(k(fieldBase), "required")
	} else if _, err := ldap.ParseDN(srv.BaseDN); err != nil {
		v.fail(k(fieldBase), "not a valid DN: %v", err)
	}
	if srv.GroupBaseDN != "" {
		if _, err := ldap.ParseDN(srv.GroupBaseDN); err != nil {
			v.fail(k(fieldGroupBase), "not a valid DN: %v", err)
		}
	}
	if srv.AdminGroup != "" && srv.GroupBaseDN == "" {
		v.fail(k(fieldGroupBase), "required when %s is set", k(fieldAdminGroup))
	}
	if srv.BindDN != "" && srv.BindPassword.IsZero() {
		v.fail(k(fieldPasswordRef), "required when %s is set", k(fieldBindDN))
	}
	if !srv.Encryption.Valid() {
		v.fail(k(fieldEncryption), "unknown encryption %q (expected plain, simple_tls or start_tls)", srv.Encryption)
	}
	v.port(k(fieldPort), srv.Port)
	if srv.TimeoutSeconds <= 0 {
		v.fail(k(fieldTimeout), "must be greater than 0, got %d", srv.TimeoutSeconds)
	}
	if srv.UIDAttribute == "" {
		v.fail(k(fieldUID), "required")
	}
	if srv.UserFilter != "" {
		if _, err := ldap.CompileFilter(NormalizeFilter(srv.UserFilter)); err != nil {
			v.fail(k(fieldUserFilter), "not a valid LDAP filter: %v", err)
		}
	}
}

// NormalizeFilter wraps a bare filter such as "memberOf=x" in parentheses.
func NormalizeFilter(f string) string {
	f = strings.TrimSpace(f)
	if f == "" || strings.HasPrefix(f, "(") {
		return f
	}
	return "(" + f + ")"
}

func sortedServerNames(m map[string]DirectoryServer) []string {
	d := Document{DirectoryServers: m, DirectorySyncEnabled: true}
	return d.ServerNames()
}
