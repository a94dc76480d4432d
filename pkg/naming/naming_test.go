package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/validation"
)

func TestConfigMapName(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		service  string
		expected string
	}{
		{"prefix and service", "omnibus", "nginx", "omnibus-nginx"},
		{"no prefix", "", "registry", "registry"},
		{"uppercase lowered", "Omnibus", "GitLab-Rails", "omnibus-gitlab-rails"},
		{"underscores replaced", "omnibus", "gitlab_rails", "omnibus-gitlab-rails"},
		{"dots preserved", "gitlab.example", "mail", "gitlab.example-mail"},
		{"consecutive separators collapsed", "omnibus", "--nginx", "omnibus-nginx"},
		{"empty input falls back", "", "___", "x"},
		{"long name truncated", strings.Repeat("a", 250), "nginx", strings.Repeat("a", 250) + "-ng"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConfigMapName(tt.prefix, tt.service)
			require.Equal(t, tt.expected, result)
			if result != fallback {
				require.Empty(t, validation.IsDNS1123Subdomain(result), "result %q should be a valid DNS1123 subdomain", result)
			}
		})
	}
}

func TestLabelValue(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"already valid", "nginx", "nginx"},
		{"underscores replaced", "gitlab_rails", "gitlab-rails"},
		{"special characters replaced", "directory@main", "directory-main"},
		{"empty falls back", "", "x"},
		{"long value truncated", strings.Repeat("b", 70), strings.Repeat("b", 63)},
		{"truncation trims trailing separator", strings.Repeat("c", 62) + "-d", strings.Repeat("c", 62)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := LabelValue(tt.input)
			require.Equal(t, tt.expected, result)
			require.Empty(t, validation.IsValidLabelValue(result))
		})
	}
}

func TestDataKey(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"nested path", "nginx/conf.d/gitlab-http.conf", "nginx_conf.d_gitlab-http.conf"},
		{"leading slash dropped", "/registry/config.yml", "registry_config.yml"},
		{"invalid characters replaced", "directory-sync/main server.yml", "directory-sync_main-server.yml"},
		{"mixed case kept", "gitlab-rails/SMTP.yml", "gitlab-rails_SMTP.yml"},
		{"empty falls back", "/", "x"},
		{"long key keeps the file name", strings.Repeat("d/", 150) + "main.yml", strings.Repeat("_d", 122) + "_main.yml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DataKey(tt.path)
			require.Equal(t, tt.expected, result)
			require.Empty(t, validation.IsConfigMapKey(result))
		})
	}
}
