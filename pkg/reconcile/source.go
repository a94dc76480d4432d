package reconcile

import (
	"os"

	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

// FileSource loads settings files in order and overlays environment
// overrides (settings.EnvPrefix) when Env is set.
type FileSource struct {
	Paths   []string
	Env     bool
	Environ func() []string
}

func (s FileSource) Load() (settings.Values, error) {
	values, err := settings.LoadFiles(s.Paths...)
	if err != nil {
		return nil, err
	}
	if !s.Env {
		return values, nil
	}
	environ := s.Environ
	if environ == nil {
		environ = os.Environ
	}
	return settings.Merge(values, settings.FromEnviron(settings.EnvPrefix, environ())), nil
}
