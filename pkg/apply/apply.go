package apply

import (
	"context"
	"fmt"

	"github.com/telekom/omnibus-reconciler/pkg/render"
)

// Applier writes artifacts to a destination.
type Applier interface {
	// Apply writes a single artifact, replacing any previous content.
	Apply(ctx context.Context, a render.Artifact) error
	// Remove deletes an artifact that is no longer rendered.
	Remove(ctx context.Context, e Entry) error
	Name() string
}

// ApplyError reports a failure to apply one artifact. Other artifacts of the
// same pass are unaffected.
type ApplyError struct {
	Artifact string
	Service  string
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s (%s): %v", e.Artifact, e.Service, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ReloadError reports a failed reload signal.
type ReloadError struct {
	Service string
	Err     error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload %s: %v", e.Service, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }
