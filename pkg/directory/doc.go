// Package directory is the client side of the directory protocol boundary.
// It dials a directory server with the configured encryption mode, binds
// with the resolved credential and pages through users and groups under the
// configured base DNs. LDAPDialer is the go-ldap backed implementation; the
// sync scheduler only depends on the Dialer and Session interfaces.
package directory
