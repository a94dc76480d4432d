package naming

import (
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

const fallback = "x"

var (
	// invalidNameChars matches any character that is not lowercase alphanumeric, dash, or dot
	invalidNameChars = regexp.MustCompile(`[^a-z0-9\-.]`)
	// invalidKeyChars matches any character a ConfigMap data key cannot hold
	invalidKeyChars = regexp.MustCompile(`[^a-zA-Z0-9\-._]`)
	multiDash       = regexp.MustCompile(`-+`)
	multiDot        = regexp.MustCompile(`\.+`)
)

// ConfigMapName returns the RFC 1123 subdomain naming the ConfigMap that
// holds the artifacts of service, e.g. "omnibus-nginx".
func ConfigMapName(prefix, service string) string {
	if prefix == "" {
		return sanitize(service, validation.DNS1123SubdomainMaxLength)
	}
	return sanitize(prefix+"-"+service, validation.DNS1123SubdomainMaxLength)
}

// LabelValue returns s as a valid label value of at most 63 characters.
func LabelValue(s string) string {
	return sanitize(s, validation.LabelValueMaxLength)
}

// DataKey maps an artifact path to a ConfigMap data key. Path separators
// become '_', so "nginx/conf.d/gitlab-http.conf" is stored under
// "nginx_conf.d_gitlab-http.conf".
func DataKey(path string) string {
	key := strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
	key = invalidKeyChars.ReplaceAllString(key, "-")
	if key == "" || key == "." || key == ".." {
		return fallback
	}
	if len(key) > validation.DNS1123SubdomainMaxLength {
		key = key[len(key)-validation.DNS1123SubdomainMaxLength:]
	}
	return key
}

// sanitize lowercases s, replaces invalid characters with '-', collapses
// separators and trims to an alphanumeric start and end within max bytes.
func sanitize(s string, max int) string {
	s = strings.ToLower(s)
	s = invalidNameChars.ReplaceAllString(s, "-")
	s = multiDash.ReplaceAllString(s, "-")
	s = multiDot.ReplaceAllString(s, ".")
	s = trimNonAlnum(s)
	if len(s) > max {
		s = trimNonAlnum(s[:max])
	}
	if s == "" {
		return fallback
	}
	return s
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func trimNonAlnum(s string) string {
	for len(s) > 0 && !isAlnum(s[0]) {
		s = s[1:]
	}
	for len(s) > 0 && !isAlnum(s[len(s)-1]) {
		s = s[:len(s)-1]
	}
	return s
}
