package settings

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/telekom/omnibus-reconciler/pkg/secret"
)

// Options controls parsing.
type Options struct {
	// Strict rejects unknown keys instead of passing them through.
	Strict bool
}

// Parse turns a flat settings source into a validated Document. On failure
// the error is an *InvalidSettingsError listing every problem found; the
// document is nil in that case. Warnings are returned either way.
func Parse(values Values, opts Options) (*Document, []Warning, error) {
	p := &parser{values: values, used: make(map[string]bool, len(values))}
	doc := p.document()
	p.unknown(doc, opts.Strict)

	errs, warns := doc.Validate()
	p.errs = append(p.errs, errs...)
	p.warns = append(p.warns, warns...)

	if len(p.errs) > 0 {
		doc.Release()
		return nil, p.warns, &InvalidSettingsError{Errors: p.errs}
	}
	return doc, p.warns, nil
}

type parser struct {
	values Values
	used   map[string]bool
	errs   []FieldError
	warns  []Warning
}

func (p *parser) fail(key, format string, args ...interface{}) {
	p.errs = append(p.errs, FieldError{Field: key, Message: fmt.Sprintf(format, args...)})
}

func (p *parser) warn(key, format string, args ...interface{}) {
	p.warns = append(p.warns, Warning{Field: key, Message: fmt.Sprintf(format, args...)})
}

func (p *parser) lookup(key string) (interface{}, bool) {
	v, ok := p.values[key]
	if !ok {
		return nil, false
	}
	p.used[key] = true
	return v, v != nil
}

func (p *parser) has(key string) bool {
	_, ok := p.lookup(key)
	return ok
}

func (p *parser) str(key, def string) string {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		p.fail(key, "expected a string")
		return def
	}
	return strings.TrimSpace(s)
}

func (p *parser) boolean(key string, def bool) bool {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		p.fail(key, "expected true or false, got %q", cast.ToString(v))
		return def
	}
	return b
}

func (p *parser) integer(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		p.fail(key, "expected an integer, got %q", cast.ToString(v))
		return def
	}
	return n
}

func (p *parser) list(key string, def []string) []string {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	l, err := cast.ToStringSliceE(v)
	if err != nil {
		p.fail(key, "expected a string or a list of strings")
		return def
	}
	out := make([]string, 0, len(l))
	for _, s := range l {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// ref reads a secret reference from refKey, falling back to an inline value
// under literalKey. The literal is wrapped at once and never echoed.
func (p *parser) ref(refKey, literalKey string) secret.Ref {
	refStr := p.str(refKey, "")
	literal, hasLiteral := p.lookup(literalKey)
	if refStr != "" && hasLiteral {
		p.fail(literalKey, "cannot be combined with %s", refKey)
		return secret.Ref{}
	}
	if refStr != "" {
		r, err := secret.ParseRef(refStr)
		if err != nil {
			p.fail(refKey, "%v", err)
			return secret.Ref{}
		}
		return r
	}
	if hasLiteral {
		s := cast.ToString(literal)
		if s == "" {
			return secret.Ref{}
		}
		p.warn(literalKey, "inline secret accepted; prefer %s", refKey)
		return secret.LiteralRef(s)
	}
	return secret.Ref{}
}

func (p *parser) document() *Document {
	doc := &Document{
		ExternalURL: p.str(KeyExternalURL, ""),
		SSHPort:     p.integer(KeySSHPort, 22),
		LFSEnabled:  p.boolean(KeyLFSEnabled, true),
	}

	doc.TLS = TLS{
		CertPath:            p.str(KeySSLCertificate, ""),
		KeyPath:             p.str(KeySSLCertificateKey, ""),
		CAPath:              p.str(KeySSLClientCert, ""),
		RedirectHTTPToHTTPS: p.boolean(KeyRedirectHTTPToHTTPS, true),
		LetsEncrypt:         p.boolean(KeyLetsEncrypt, false),
	}
	if host, https := httpsHost(doc.ExternalURL); https && doc.TLS.CertPath == "" && doc.TLS.KeyPath == "" {
		doc.TLS.CertPath = "/etc/gitlab/ssl/" + host + ".crt"
		doc.TLS.KeyPath = "/etc/gitlab/ssl/" + host + ".key"
	}

	doc.SMTP = SMTP{
		Enabled:           p.boolean(KeySMTPEnable, false),
		Address:           p.str(KeySMTPAddress, ""),
		Port:              p.integer(KeySMTPPort, 25),
		SSL:               p.boolean(KeySMTPSSL, false),
		StartTLS:          p.boolean(KeySMTPStartTLS, false),
		OpenSSLVerifyMode: p.str(KeySMTPVerifyMode, ""),
		UserName:          p.str(KeySMTPUserName, ""),
		Password:          p.ref(KeySMTPPasswordRef, KeySMTPPassword),
		Domain:            p.str(KeySMTPDomain, ""),
		From:              p.str(KeyEmailFrom, ""),
	}

	regURL := p.str(KeyRegistryExternalURL, "")
	regEnabled := p.boolean(KeyRegistryEnable, regURL != "")
	doc.Registry = Registry{
		Enabled:      regEnabled,
		ExternalURL:  regURL,
		StoragePath:  p.str(KeyRegistryPath, "/var/opt/gitlab/gitlab-rails/shared/registry"),
		NginxEnabled: p.boolean(KeyRegistryNginx, regEnabled),
		NginxCert:    p.str(KeyRegistryNginxCert, ""),
		NginxKey:     p.str(KeyRegistryNginxKey, ""),
	}
	if host, https := httpsHost(regURL); https && doc.Registry.NginxCert == "" && doc.Registry.NginxKey == "" {
		doc.Registry.NginxCert = "/etc/gitlab/ssl/" + host + ".crt"
		doc.Registry.NginxKey = "/etc/gitlab/ssl/" + host + ".key"
	}

	doc.SyncSchedule = SyncSchedule{
		FullSyncCron:  p.str(KeyFullSyncCron, DefaultFullSyncCron),
		GroupSyncCron: p.str(KeyGroupSyncCron, DefaultGroupSyncCron),
	}

	doc.DirectoryServers = p.servers()
	doc.DirectorySyncEnabled = p.boolean(KeyLDAPEnabled, len(doc.DirectoryServers) > 0)
	if !doc.DirectorySyncEnabled && len(doc.DirectoryServers) > 0 {
		p.warn(KeyLDAPEnabled, "%d directory server(s) configured but directory sync is disabled", len(doc.DirectoryServers))
	}
	return doc
}

func (p *parser) servers() map[string]DirectoryServer {
	names := map[string]bool{}
	for _, key := range p.values.Keys() {
		rest, ok := strings.CutPrefix(key, KeyLDAPServersPrefix)
		if !ok {
			continue
		}
		name, _, ok := strings.Cut(rest, ".")
		if !ok || name == "" {
			p.used[key] = true
			p.fail(key, "directory server entries must be mappings of fields")
			continue
		}
		names[name] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	out := make(map[string]DirectoryServer, len(names))
	for _, name := range sorted {
		out[name] = p.server(name)
	}
	return out
}

func (p *parser) server(name string) DirectoryServer {
	k := func(field string) string { return ServerKey(name, field) }

	srv := DirectoryServer{
		Name:                      name,
		Label:                     p.str(k(fieldLabel), "LDAP"),
		Host:                      p.str(k(fieldHost), ""),
		UIDAttribute:              p.str(k(fieldUID), "uid"),
		BindDN:                    p.str(k(fieldBindDN), ""),
		BindPassword:              p.ref(k(fieldPasswordRef), k(fieldPassword)),
		BaseDN:                    p.str(k(fieldBase), ""),
		GroupBaseDN:               p.str(k(fieldGroupBase), ""),
		AdminGroup:                p.str(k(fieldAdminGroup), ""),
		VerifyCertificates:        p.boolean(k(fieldVerifyCertificates), true),
		CAFile:                    p.str(k(fieldCAFile), ""),
		TimeoutSeconds:            p.integer(k(fieldTimeout), 10),
		ActiveDirectory:           p.boolean(k(fieldActiveDirectory), true),
		UserFilter:                p.str(k(fieldUserFilter), ""),
		LowercaseUsernames:        p.boolean(k(fieldLowercaseUsernames), false),
		AllowUsernameOrEmailLogin: p.boolean(k(fieldAllowEmailLogin), false),
		BlockAutoCreatedUsers:     p.boolean(k(fieldBlockAutoCreated), false),
		Attributes: AttributeMap{
			Username:  p.list(k(fieldAttrUsername), []string{"uid", "userid", "sAMAccountName"}),
			Email:     p.list(k(fieldAttrEmail), []string{"mail", "email", "userPrincipalName"}),
			Name:      p.str(k(fieldAttrName), "cn"),
			FirstName: p.str(k(fieldAttrFirstName), "givenName"),
			LastName:  p.str(k(fieldAttrLastName), "sn"),
		},
	}

	enc := strings.ToLower(p.str(k(fieldEncryption), string(EncryptionPlain)))
	switch enc {
	case "ssl":
		p.warn(k(fieldEncryption), "%q is deprecated, use %q", enc, EncryptionSimpleTLS)
		enc = string(EncryptionSimpleTLS)
	case "tls":
		p.warn(k(fieldEncryption), "%q is deprecated, use %q", enc, EncryptionStartTLS)
		enc = string(EncryptionStartTLS)
	}
	srv.Encryption = Encryption(enc)

	srv.Port = srv.Encryption.DefaultPort()
	if p.has(k(fieldPort)) {
		srv.Port = p.integer(k(fieldPort), srv.Port)
	}

	if srv.Encryption == EncryptionPlain && srv.CAFile != "" {
		p.warn(k(fieldCAFile), "ignored for plain encryption")
		srv.CAFile = ""
	}
	return srv
}

// unknown handles every key nothing consumed.
func (p *parser) unknown(doc *Document, strict bool) {
	var keys []string
	for key := range p.values {
		if !p.used[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strict {
			p.fail(key, "unknown setting")
			continue
		}
		if doc.Extra == nil {
			doc.Extra = map[string]interface{}{}
		}
		doc.Extra[key] = p.values[key]
		p.warn(key, "unknown setting passed through")
	}
}

// httpsHost returns the host name of an https URL.
func httpsHost(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Hostname() == "" {
		return "", false
	}
	return u.Hostname(), true
}
