package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

// Services that consume artifacts. A service is reloaded once per pass no
// matter how many of its artifacts changed.
const (
	ServiceNginx         = "nginx"
	ServiceRails         = "gitlab-rails"
	ServiceRegistry      = "registry"
	ServiceDirectorySync = "directory-sync"
)

// Artifact IDs.
const (
	IDProxy         = "proxy"
	IDRegistryProxy = "proxy.registry"
	IDMail          = "mail"
	IDRegistry      = "registry"
	// IDDirectoryPrefix is followed by the directory server name.
	IDDirectoryPrefix = "directory."
)

// Artifact is one rendered configuration output.
type Artifact struct {
	ID      string `json:"id" yaml:"id"`
	Service string `json:"service" yaml:"service"`
	// Path is relative to the destination root of the applier.
	Path    string `json:"path" yaml:"path"`
	Content []byte `json:"-" yaml:"-"`
	Digest  string `json:"digest" yaml:"digest"`
}

// Connection is the in-memory directory server definition handed to the sync
// scheduler. Password is nil for anonymous binds and is owned by the caller
// that resolved it.
type Connection struct {
	Server   settings.DirectoryServer
	Schedule settings.SyncSchedule
	Password *secret.Secret
	// Digest is the digest of the server's descriptor artifact.
	Digest string
}

// Result is the output of one render.
type Result struct {
	// Artifacts are sorted by ID.
	Artifacts   []Artifact
	Connections map[string]Connection
	// Skipped lists directory servers left out because their bind secret was
	// not resolved.
	Skipped []string
}

// Get returns the artifact with the given ID.
func (r *Result) Get(id string) (Artifact, bool) {
	i := sort.Search(len(r.Artifacts), func(i int) bool { return r.Artifacts[i].ID >= id })
	if i < len(r.Artifacts) && r.Artifacts[i].ID == id {
		return r.Artifacts[i], true
	}
	return Artifact{}, false
}

// Error reports a violated internal invariant. Validation should make it
// unreachable, so it indicates a defect rather than bad input.
type Error struct {
	Artifact string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render %s: %v", e.Artifact, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Render projects doc into artifacts. secrets holds the resolved bind
// password of each directory server; servers that need one but have none are
// skipped.
func Render(doc *settings.Document, secrets map[string]*secret.Secret) (*Result, error) {
	if doc == nil {
		return nil, &Error{Artifact: "*", Err: fmt.Errorf("no settings document")}
	}

	res := &Result{Connections: map[string]Connection{}}
	add := func(a Artifact, err error) error {
		if err != nil {
			return err
		}
		a.Digest = Digest(a.Content)
		res.Artifacts = append(res.Artifacts, a)
		return nil
	}

	if err := add(renderProxy(doc)); err != nil {
		return nil, err
	}
	if err := add(renderMail(doc)); err != nil {
		return nil, err
	}
	if doc.Registry.Enabled {
		if err := add(renderRegistry(doc)); err != nil {
			return nil, err
		}
		if doc.Registry.NginxEnabled {
			if err := add(renderRegistryProxy(doc)); err != nil {
				return nil, err
			}
		}
	}

	for _, name := range doc.ServerNames() {
		srv := doc.DirectoryServers[name]
		pw, ok := secrets[name]
		if !srv.BindPassword.IsZero() && (!ok || pw == nil) {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		a, err := renderDirectory(srv, doc.SyncSchedule)
		if err := add(a, err); err != nil {
			return nil, err
		}
		res.Connections[name] = Connection{
			Server:   srv,
			Schedule: doc.SyncSchedule,
			Password: pw,
			Digest:   Digest(a.Content),
		}
	}

	sort.Slice(res.Artifacts, func(i, j int) bool { return res.Artifacts[i].ID < res.Artifacts[j].ID })
	return res, nil
}

// Digest returns the content digest used for change detection.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// DirectoryID returns the artifact ID of a directory server descriptor.
func DirectoryID(name string) string {
	return IDDirectoryPrefix + name
}
