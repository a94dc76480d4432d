package secret

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/metrics"
)

// maxSecretSize bounds how much is read from a secret file.
const maxSecretSize = 64 * 1024

// ErrUnavailable is matched by every UnavailableError via errors.Is.
var ErrUnavailable = errors.New("secret unavailable")

// UnavailableError reports that a referenced secret could not be read. It
// names the reference but never carries secret material.
type UnavailableError struct {
	Name string
	Ref  Ref
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("secret for %q unavailable from %s: %v", e.Name, e.Ref.String(), e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Resolution is the outcome of resolving a set of named references during one
// reconciliation pass. Secrets and Errors are keyed by the same names.
type Resolution struct {
	Secrets map[string]*Secret
	Errors  map[string]error
}

// Get returns the resolved secret for name, if any.
func (r *Resolution) Get(name string) (*Secret, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.Secrets[name]
	return s, ok
}

// Release zeroes every resolved secret.
func (r *Resolution) Release() {
	if r == nil {
		return
	}
	for _, s := range r.Secrets {
		s.Release()
	}
}

// Resolver reads secret material from the place a Ref points to.
type Resolver struct {
	log        *zap.SugaredLogger
	lookupEnv  func(string) (string, bool)
	keyringGet func(service, user string) (string, error)
	openFile   func(path string) (io.ReadCloser, error)
}

// NewResolver creates a Resolver backed by the process environment, the
// filesystem and the OS keyring.
func NewResolver(log *zap.SugaredLogger) *Resolver {
	return &Resolver{
		log:        log.Named("secret-resolver"),
		lookupEnv:  os.LookupEnv,
		keyringGet: keyring.Get,
		openFile:   func(path string) (io.ReadCloser, error) { return os.Open(path) },
	}
}

// WithEnvLookup replaces the environment lookup, mostly for tests.
func (r *Resolver) WithEnvLookup(lookup func(string) (string, bool)) *Resolver {
	r.lookupEnv = lookup
	return r
}

// Resolve reads the secret named by ref. The returned Secret is owned by the
// caller, who must Release it.
func (r *Resolver) Resolve(_ context.Context, name string, ref Ref) (*Secret, error) {
	s, err := r.resolve(ref)
	if err != nil {
		metrics.SecretResolutionFailures.WithLabelValues(string(ref.Source)).Inc()
		return nil, &UnavailableError{Name: name, Ref: ref, Err: err}
	}
	return s, nil
}

// ResolveAll resolves each named reference exactly once. A failure for one
// name is recorded in Errors and does not affect the others.
func (r *Resolver) ResolveAll(ctx context.Context, refs map[string]Ref) *Resolution {
	res := &Resolution{
		Secrets: make(map[string]*Secret, len(refs)),
		Errors:  make(map[string]error),
	}
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			res.Errors[name] = &UnavailableError{Name: name, Ref: refs[name], Err: err}
			continue
		}
		s, err := r.Resolve(ctx, name, refs[name])
		if err != nil {
			r.log.Warnw("Secret unavailable", "name", name, "ref", refs[name].String(), "error", err)
			res.Errors[name] = err
			continue
		}
		r.log.Debugw("Secret resolved", "name", name, "source", string(refs[name].Source))
		res.Secrets[name] = s
	}
	return res
}

func (r *Resolver) resolve(ref Ref) (*Secret, error) {
	switch ref.Source {
	case SourceLiteral:
		if ref.literal == nil || ref.literal.Released() {
			return nil, errors.New("literal secret already released")
		}
		return ref.literal.Clone(), nil
	case SourceEnv:
		v, ok := r.lookupEnv(ref.Location)
		if !ok {
			return nil, fmt.Errorf("environment variable %s is not set", ref.Location)
		}
		if v == "" {
			return nil, fmt.Errorf("environment variable %s is empty", ref.Location)
		}
		return New([]byte(v)), nil
	case SourceFile:
		return r.readFile(ref.Location)
	case SourceKeyring:
		service, user, ok := splitKeyring(ref.Location)
		if !ok {
			return nil, fmt.Errorf("malformed keyring location %q", ref.Location)
		}
		v, err := r.keyringGet(service, user)
		if err != nil {
			return nil, fmt.Errorf("keyring lookup: %w", err)
		}
		if v == "" {
			return nil, errors.New("keyring entry is empty")
		}
		return New([]byte(v)), nil
	case "":
		return nil, errors.New("no secret reference configured")
	default:
		return nil, fmt.Errorf("unsupported secret source %q", ref.Source)
	}
}

// readFile acquires the file only for the duration of the read.
func (r *Resolver) readFile(path string) (*Secret, error) {
	f, err := r.openFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf, err := io.ReadAll(io.LimitReader(f, maxSecretSize+1))
	defer zero(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(buf) > maxSecretSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, maxSecretSize)
	}
	trimmed := bytes.TrimRight(buf, "\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return New(trimmed), nil
}
