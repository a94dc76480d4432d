package settings

// Recognized top-level keys.
const (
	KeyExternalURL         = "external_url"
	KeySSHPort             = "gitlab_rails.gitlab_shell_ssh_port"
	KeyLetsEncrypt         = "letsencrypt.enable"
	KeyRedirectHTTPToHTTPS = "nginx.redirect_http_to_https"
	KeySSLCertificate      = "nginx.ssl_certificate"
	KeySSLCertificateKey   = "nginx.ssl_certificate_key"
	KeySSLClientCert       = "nginx.ssl_client_certificate"

	KeySMTPEnable      = "gitlab_rails.smtp_enable"
	KeySMTPAddress     = "gitlab_rails.smtp_address"
	KeySMTPPort        = "gitlab_rails.smtp_port"
	KeySMTPSSL         = "gitlab_rails.smtp_ssl"
	KeySMTPStartTLS    = "gitlab_rails.smtp_enable_starttls_auto"
	KeySMTPVerifyMode  = "gitlab_rails.smtp_openssl_verify_mode"
	KeySMTPUserName    = "gitlab_rails.smtp_user_name"
	KeySMTPPassword    = "gitlab_rails.smtp_password"
	KeySMTPPasswordRef = "gitlab_rails.smtp_password_ref"
	KeySMTPDomain      = "gitlab_rails.smtp_domain"
	KeyEmailFrom       = "gitlab_rails.gitlab_email_from"

	KeyRegistryExternalURL = "registry_external_url"
	KeyRegistryEnable      = "registry.enable"
	KeyRegistryPath        = "gitlab_rails.registry_path"
	KeyRegistryNginx       = "registry_nginx.enable"
	KeyRegistryNginxCert   = "registry_nginx.ssl_certificate"
	KeyRegistryNginxKey    = "registry_nginx.ssl_certificate_key"

	KeyLFSEnabled = "gitlab_rails.lfs_enabled"

	KeyLDAPEnabled       = "gitlab_rails.ldap_enabled"
	KeyLDAPServersPrefix = "gitlab_rails.ldap_servers."
	KeyFullSyncCron      = "gitlab_rails.ldap_sync_worker_cron"
	KeyGroupSyncCron     = "gitlab_rails.ldap_group_sync_worker_cron"
)

// Directory server fields, relative to gitlab_rails.ldap_servers.<name>.
const (
	fieldLabel              = "label"
	fieldHost               = "host"
	fieldPort               = "port"
	fieldUID                = "uid"
	fieldBindDN             = "bind_dn"
	fieldPassword           = "password"
	fieldPasswordRef        = "password_ref"
	fieldBase               = "base"
	fieldGroupBase          = "group_base"
	fieldAdminGroup         = "admin_group"
	fieldEncryption         = "encryption"
	fieldVerifyCertificates = "verify_certificates"
	fieldCAFile             = "tls_options.ca_file"
	fieldTimeout            = "timeout"
	fieldActiveDirectory    = "active_directory"
	fieldUserFilter         = "user_filter"
	fieldLowercaseUsernames = "lowercase_usernames"
	fieldAllowEmailLogin    = "allow_username_or_email_login"
	fieldBlockAutoCreated   = "block_auto_created_users"
	fieldAttrUsername       = "attributes.username"
	fieldAttrEmail          = "attributes.email"
	fieldAttrName           = "attributes.name"
	fieldAttrFirstName      = "attributes.first_name"
	fieldAttrLastName       = "attributes.last_name"
)

// ServerKey returns the full key of a directory server field.
func ServerKey(name, field string) string {
	return KeyLDAPServersPrefix + name + "." + field
}
