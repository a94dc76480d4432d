package render

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

const proxyTemplate = `# Managed by omnibus-reconciler. Local changes are overwritten.
{{- if and .TLS .Redirect }}
server {
  listen *:80;
  server_name {{ .Host }};
  server_tokens off;
{{- if .LetsEncrypt }}

  location /.well-known/acme-challenge/ {
    root /var/opt/gitlab/nginx/www/;
  }
{{- end }}

  location / {
    return 301 https://{{ .Host }}{{ if ne .Port 443 }}:{{ .Port }}{{ end }}$request_uri;
  }
}
{{- end }}

server {
  listen *:{{ .Port }}{{ if .TLS }} ssl{{ end }};
  server_name {{ .Host }};
  server_tokens off;
  client_max_body_size {{ .MaxBodySize | default "250m" }};
{{- if .TLS }}

  ssl_certificate {{ .CertPath }};
  ssl_certificate_key {{ .KeyPath }};
{{- with .ClientCAPath }}
  ssl_client_certificate {{ . }};
  ssl_verify_client optional;
{{- end }}
  ssl_protocols TLSv1.2 TLSv1.3;
  ssl_prefer_server_ciphers off;
  ssl_session_cache shared:SSL:10m;
  ssl_session_timeout 1d;
{{- end }}

  location / {
    proxy_pass {{ .Upstream }};
    proxy_read_timeout 3600;
    proxy_set_header Host $http_host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_set_header X-Forwarded-Proto {{ .Scheme }};
  }
}
`

var proxyTmpl = template.Must(template.New("proxy").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(proxyTemplate))

type proxyView struct {
	Host         string
	Scheme       string
	Port         int
	TLS          bool
	Redirect     bool
	LetsEncrypt  bool
	CertPath     string
	KeyPath      string
	ClientCAPath string
	MaxBodySize  string
	Upstream     string
}

func renderProxy(doc *settings.Document) (Artifact, error) {
	view, err := proxyViewFor(doc.ExternalURL, doc.TLS.CertPath, doc.TLS.KeyPath)
	if err != nil {
		return Artifact{}, &Error{Artifact: IDProxy, Err: err}
	}
	view.Redirect = doc.TLS.RedirectHTTPToHTTPS
	view.LetsEncrypt = doc.TLS.LetsEncrypt
	view.ClientCAPath = doc.TLS.CAPath
	view.Upstream = "http://gitlab-workhorse"
	if doc.LFSEnabled {
		view.MaxBodySize = "0"
	}
	return executeProxy(IDProxy, "gitlab-http.conf", view)
}

func renderRegistryProxy(doc *settings.Document) (Artifact, error) {
	view, err := proxyViewFor(doc.Registry.ExternalURL, doc.Registry.NginxCert, doc.Registry.NginxKey)
	if err != nil {
		return Artifact{}, &Error{Artifact: IDRegistryProxy, Err: err}
	}
	view.Redirect = doc.TLS.RedirectHTTPToHTTPS
	view.Upstream = "http://" + registryListenAddr
	view.MaxBodySize = "0"
	return executeProxy(IDRegistryProxy, "gitlab-registry.conf", view)
}

func proxyViewFor(rawURL, cert, key string) (proxyView, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return proxyView{}, fmt.Errorf("external URL %q has no host", rawURL)
	}
	view := proxyView{Host: u.Hostname(), Scheme: u.Scheme, TLS: u.Scheme == "https"}
	view.Port = 80
	if view.TLS {
		view.Port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return proxyView{}, fmt.Errorf("external URL %q has a bad port", rawURL)
		}
		view.Port = n
	}
	if view.TLS {
		if cert == "" || key == "" {
			return proxyView{}, fmt.Errorf("https endpoint %s without a certificate/key pair", view.Host)
		}
		view.CertPath, view.KeyPath = cert, key
	}
	return view, nil
}

func executeProxy(id, file string, view proxyView) (Artifact, error) {
	var buf bytes.Buffer
	if err := proxyTmpl.Execute(&buf, view); err != nil {
		return Artifact{}, &Error{Artifact: id, Err: err}
	}
	return Artifact{
		ID:      id,
		Service: ServiceNginx,
		Path:    path.Join(ServiceNginx, "conf.d", file),
		Content: buf.Bytes(),
	}, nil
}
