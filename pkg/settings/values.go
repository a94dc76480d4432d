package settings

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

// Values is a flat settings source keyed by dotted path, e.g.
// "gitlab_rails.ldap_servers.main.host".
type Values map[string]interface{}

// EnvPrefix is the prefix FromEnviron looks for by default.
const EnvPrefix = "OMNIBUS_SETTING_"

// Keys returns the keys in sorted order.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flatten turns nested mappings into dotted keys. Lists are kept as leaf
// values.
func Flatten(nested map[string]interface{}) Values {
	out := Values{}
	flattenInto(out, "", nested)
	return out
}

func flattenInto(out Values, prefix string, v interface{}) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch m := v.(type) {
	case map[string]interface{}:
		for k, child := range m {
			flattenInto(out, join(k), child)
		}
	case map[interface{}]interface{}:
		for k, child := range m {
			flattenInto(out, join(fmt.Sprint(k)), child)
		}
	default:
		if prefix != "" {
			out[prefix] = v
		}
	}
}

// Merge combines sources in order. A key set by a later source replaces the
// value of an earlier one.
func Merge(sources ...Values) Values {
	out := Values{}
	for _, src := range sources {
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}

// LoadFile reads a YAML settings file and flattens it.
func LoadFile(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses YAML settings content and flattens it.
func LoadBytes(data []byte) (Values, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return Flatten(raw), nil
}

// LoadFiles loads each file and merges them in order.
func LoadFiles(paths ...string) (Values, error) {
	sources := make([]Values, 0, len(paths))
	for _, p := range paths {
		v, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		sources = append(sources, v)
	}
	return Merge(sources...), nil
}

// FromEnviron builds a source from "KEY=value" pairs that start with prefix.
// The remainder is lower-cased and "__" becomes ".", so
// OMNIBUS_SETTING_NGINX__SSL_CERTIFICATE sets nginx.ssl_certificate. Values
// are YAML scalars, so "true" and "587" keep their types.
func FromEnviron(prefix string, environ []string) Values {
	out := Values{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(k, prefix), "__", "."))
		if key == "" {
			continue
		}
		var parsed interface{}
		if err := yaml.Unmarshal([]byte(v), &parsed); err != nil || parsed == nil {
			parsed = v
		}
		if _, isMap := parsed.(map[interface{}]interface{}); isMap {
			parsed = v
		}
		out[key] = parsed
	}
	return out
}
