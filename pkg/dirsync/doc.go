// Package dirsync runs directory sync jobs and schedules them.
//
// A Syncer executes one job against one directory server: a full sync
// reconciles user accounts and then group memberships, a group sync only
// touches memberships of users that already exist locally. A Scheduler fires
// both jobs of every configured server on cron schedules and guarantees that
// at most one run of a given (server, kind) pair is in flight.
package dirsync
