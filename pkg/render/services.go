package render

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

const registryListenAddr = "127.0.0.1:5000"

type mailBlock struct {
	Enabled           bool   `yaml:"enabled"`
	Address           string `yaml:"address,omitempty"`
	Port              int    `yaml:"port,omitempty"`
	TLS               bool   `yaml:"tls"`
	EnableStartTLS    bool   `yaml:"enable_starttls_auto"`
	OpenSSLVerifyMode string `yaml:"openssl_verify_mode,omitempty"`
	UserName          string `yaml:"user_name,omitempty"`
	Password          string `yaml:"password,omitempty"`
	Domain            string `yaml:"domain,omitempty"`
	From              string `yaml:"from,omitempty"`
}

func renderMail(doc *settings.Document) (Artifact, error) {
	block := mailBlock{Enabled: doc.SMTP.Enabled}
	if doc.SMTP.Enabled {
		if doc.SMTP.Address == "" {
			return Artifact{}, &Error{Artifact: IDMail, Err: fmt.Errorf("smtp enabled without an address")}
		}
		block.Address = doc.SMTP.Address
		block.Port = doc.SMTP.Port
		block.TLS = doc.SMTP.SSL
		block.EnableStartTLS = doc.SMTP.StartTLS
		block.OpenSSLVerifyMode = doc.SMTP.OpenSSLVerifyMode
		block.UserName = doc.SMTP.UserName
		block.Password = doc.SMTP.Password.String()
		block.Domain = doc.SMTP.Domain
		block.From = doc.SMTP.From
	}
	return yamlArtifact(IDMail, ServiceRails, path.Join(ServiceRails, "smtp_settings.yml"), map[string]interface{}{"smtp": block})
}

type registryConfig struct {
	Version string `yaml:"version"`
	Log     struct {
		Level     string `yaml:"level"`
		Formatter string `yaml:"formatter"`
	} `yaml:"log"`
	Storage struct {
		Filesystem struct {
			RootDirectory string `yaml:"rootdirectory"`
		} `yaml:"filesystem"`
		Delete struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"delete"`
	} `yaml:"storage"`
	HTTP struct {
		Addr   string `yaml:"addr"`
		Host   string `yaml:"host"`
		Secret string `yaml:"secret,omitempty"`
	} `yaml:"http"`
	Auth struct {
		Token struct {
			Realm          string `yaml:"realm"`
			Service        string `yaml:"service"`
			Issuer         string `yaml:"issuer"`
			RootCertBundle string `yaml:"rootcertbundle"`
		} `yaml:"token"`
	} `yaml:"auth"`
}

func renderRegistry(doc *settings.Document) (Artifact, error) {
	if doc.Registry.ExternalURL == "" {
		return Artifact{}, &Error{Artifact: IDRegistry, Err: fmt.Errorf("registry enabled without an external URL")}
	}
	var cfg registryConfig
	cfg.Version = "0.1"
	cfg.Log.Level = "info"
	cfg.Log.Formatter = "text"
	cfg.Storage.Filesystem.RootDirectory = doc.Registry.StoragePath
	cfg.Storage.Delete.Enabled = true
	cfg.HTTP.Addr = registryListenAddr
	cfg.HTTP.Host = doc.Registry.ExternalURL
	cfg.Auth.Token.Realm = strings.TrimRight(doc.ExternalURL, "/") + "/jwt/auth"
	cfg.Auth.Token.Service = "container_registry"
	cfg.Auth.Token.Issuer = "omnibus-gitlab-issuer"
	cfg.Auth.Token.RootCertBundle = "/var/opt/gitlab/registry/gitlab-registry.crt"
	return yamlArtifact(IDRegistry, ServiceRegistry, path.Join(ServiceRegistry, "config.yml"), cfg)
}

type directoryDescriptor struct {
	Name                      string                 `yaml:"name"`
	Label                     string                 `yaml:"label"`
	Host                      string                 `yaml:"host"`
	Port                      int                    `yaml:"port"`
	Encryption                settings.Encryption    `yaml:"encryption"`
	VerifyCertificates        bool                   `yaml:"verify_certificates"`
	CAFile                    string                 `yaml:"ca_file,omitempty"`
	TimeoutSeconds            int                    `yaml:"timeout"`
	UID                       string                 `yaml:"uid"`
	BindDN                    string                 `yaml:"bind_dn,omitempty"`
	Password                  string                 `yaml:"password,omitempty"`
	Base                      string                 `yaml:"base"`
	GroupBase                 string                 `yaml:"group_base,omitempty"`
	AdminGroup                string                 `yaml:"admin_group,omitempty"`
	ActiveDirectory           bool                   `yaml:"active_directory"`
	UserFilter                string                 `yaml:"user_filter,omitempty"`
	LowercaseUsernames        bool                   `yaml:"lowercase_usernames"`
	AllowUsernameOrEmailLogin bool                   `yaml:"allow_username_or_email_login"`
	BlockAutoCreatedUsers     bool                   `yaml:"block_auto_created_users"`
	Attributes                descriptorAttributes   `yaml:"attributes"`
	Sync                      descriptorSyncSchedule `yaml:"sync"`
}

type descriptorAttributes struct {
	Username  []string `yaml:"username"`
	Email     []string `yaml:"email"`
	Name      string   `yaml:"name"`
	FirstName string   `yaml:"first_name"`
	LastName  string   `yaml:"last_name"`
}

type descriptorSyncSchedule struct {
	Full  string `yaml:"full"`
	Group string `yaml:"group"`
}

func renderDirectory(srv settings.DirectoryServer, sched settings.SyncSchedule) (Artifact, error) {
	id := DirectoryID(srv.Name)
	if srv.Host == "" || srv.BaseDN == "" {
		return Artifact{}, &Error{Artifact: id, Err: fmt.Errorf("directory server %q without host or base", srv.Name)}
	}
	d := directoryDescriptor{
		Name:                      srv.Name,
		Label:                     srv.Label,
		Host:                      srv.Host,
		Port:                      srv.Port,
		Encryption:                srv.Encryption,
		VerifyCertificates:        srv.VerifyCertificates,
		TimeoutSeconds:            srv.TimeoutSeconds,
		UID:                       srv.UIDAttribute,
		BindDN:                    srv.BindDN,
		Password:                  srv.BindPassword.String(),
		Base:                      srv.BaseDN,
		GroupBase:                 srv.GroupBaseDN,
		AdminGroup:                srv.AdminGroup,
		ActiveDirectory:           srv.ActiveDirectory,
		UserFilter:                srv.UserFilter,
		LowercaseUsernames:        srv.LowercaseUsernames,
		AllowUsernameOrEmailLogin: srv.AllowUsernameOrEmailLogin,
		BlockAutoCreatedUsers:     srv.BlockAutoCreatedUsers,
		Attributes: descriptorAttributes{
			Username:  srv.Attributes.Username,
			Email:     srv.Attributes.Email,
			Name:      srv.Attributes.Name,
			FirstName: srv.Attributes.FirstName,
			LastName:  srv.Attributes.LastName,
		},
		Sync: descriptorSyncSchedule{Full: sched.FullSyncCron, Group: sched.GroupSyncCron},
	}
	if srv.Encryption != settings.EncryptionPlain {
		d.CAFile = srv.CAFile
	}
	return yamlArtifact(id, ServiceDirectorySync, path.Join(ServiceDirectorySync, srv.Name+".yml"), d)
}

func yamlArtifact(id, service, file string, v interface{}) (Artifact, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return Artifact{}, &Error{Artifact: id, Err: err}
	}
	content := append([]byte("# Managed by omnibus-reconciler. Local changes are overwritten.\n"), out...)
	return Artifact{ID: id, Service: service, Path: file, Content: content}, nil
}
