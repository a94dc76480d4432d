package settings

import (
	"sort"

	"github.com/telekom/omnibus-reconciler/pkg/secret"
)

// Encryption is the transport security mode of a directory connection.
type Encryption string

const (
	EncryptionPlain     Encryption = "plain"
	EncryptionSimpleTLS Encryption = "simple_tls"
	EncryptionStartTLS  Encryption = "start_tls"
)

// Valid reports whether e is a recognized mode.
func (e Encryption) Valid() bool {
	switch e {
	case EncryptionPlain, EncryptionSimpleTLS, EncryptionStartTLS:
		return true
	}
	return false
}

// DefaultPort is the conventional port for the mode: 636 for LDAPS, 389 otherwise.
func (e Encryption) DefaultPort() int {
	if e == EncryptionSimpleTLS {
		return 636
	}
	return 389
}

// Document is one validated settings document. It is immutable for the
// duration of a reconciliation pass.
type Document struct {
	ExternalURL string
	SSHPort     int
	TLS         TLS
	SMTP        SMTP
	Registry    Registry
	LFSEnabled  bool

	// DirectorySyncEnabled gates the directory servers as a whole.
	DirectorySyncEnabled bool
	DirectoryServers     map[string]DirectoryServer
	SyncSchedule         SyncSchedule

	// Extra holds unrecognized keys passed through in non-strict mode.
	Extra map[string]interface{}
}

type TLS struct {
	CertPath            string
	KeyPath             string
	CAPath              string
	RedirectHTTPToHTTPS bool
	LetsEncrypt         bool
}

type SMTP struct {
	Enabled           bool
	Address           string
	Port              int
	SSL               bool
	StartTLS          bool
	OpenSSLVerifyMode string
	UserName          string
	Password          secret.Ref
	Domain            string
	From              string
}

type Registry struct {
	Enabled      bool
	ExternalURL  string
	StoragePath  string
	NginxEnabled bool
	NginxCert    string
	NginxKey     string
}

// DirectoryServer is one named connection to a directory server.
type DirectoryServer struct {
	Name                      string
	Label                     string
	Host                      string
	Port                      int
	UIDAttribute              string
	BindDN                    string
	BindPassword              secret.Ref
	BaseDN                    string
	GroupBaseDN               string
	AdminGroup                string
	Encryption                Encryption
	VerifyCertificates        bool
	CAFile                    string
	TimeoutSeconds            int
	ActiveDirectory           bool
	UserFilter                string
	LowercaseUsernames        bool
	AllowUsernameOrEmailLogin bool
	BlockAutoCreatedUsers     bool
	Attributes                AttributeMap
}

// AttributeMap names the directory attributes local user fields are read
// from. Username and Email are tried in order; the first present wins.
type AttributeMap struct {
	Username  []string
	Email     []string
	Name      string
	FirstName string
	LastName  string
}

type SyncSchedule struct {
	FullSyncCron  string
	GroupSyncCron string
}

const (
	DefaultFullSyncCron  = "30 1 * * *"
	DefaultGroupSyncCron = "0 * * * *"
)

// ServerNames returns the names of the directory servers taking part in
// sync, sorted. It is empty when directory sync is disabled.
func (d *Document) ServerNames() []string {
	if !d.DirectorySyncEnabled {
		return nil
	}
	names := make([]string, 0, len(d.DirectoryServers))
	for name := range d.DirectoryServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BindPasswordRefs returns the bind password reference of every server in
// ServerNames, keyed by server name. Servers binding anonymously are omitted.
func (d *Document) BindPasswordRefs() map[string]secret.Ref {
	refs := make(map[string]secret.Ref, len(d.DirectoryServers))
	for _, name := range d.ServerNames() {
		if srv := d.DirectoryServers[name]; !srv.BindPassword.IsZero() {
			refs[name] = srv.BindPassword
		}
	}
	return refs
}

// Release zeroes any literal secrets the document wrapped while parsing.
func (d *Document) Release() {
	if d == nil {
		return
	}
	d.SMTP.Password.Release()
	for _, srv := range d.DirectoryServers {
		srv.BindPassword.Release()
	}
}
