package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Schema creates the tables PostgresStore uses.
const Schema = `
CREATE TABLE IF NOT EXISTS directory_users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	extern_uid TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'active',
	admin BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (provider, extern_uid)
);
CREATE UNIQUE INDEX IF NOT EXISTS directory_users_username ON directory_users (lower(username));
CREATE TABLE IF NOT EXISTS directory_group_members (
	provider TEXT NOT NULL,
	group_name TEXT NOT NULL,
	user_id BIGINT NOT NULL REFERENCES directory_users (id) ON DELETE CASCADE,
	PRIMARY KEY (provider, group_name, user_id)
);
`

const (
	userColumns = `id, username, email, name, provider, extern_uid, state, admin`

	queryUserByIdentity   = `SELECT ` + userColumns + ` FROM directory_users WHERE provider = $1 AND lower(extern_uid) = lower($2)`
	queryUserByUsername   = `SELECT ` + userColumns + ` FROM directory_users WHERE lower(username) = lower($1)`
	queryUsersByProvider  = `SELECT ` + userColumns + ` FROM directory_users WHERE provider = $1 ORDER BY id`
	queryInsertUser       = `INSERT INTO directory_users (username, email, name, provider, extern_uid, state, admin) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	queryUpdateUser       = `UPDATE directory_users SET username = $2, email = $3, name = $4, state = $5, admin = $6, updated_at = now() WHERE id = $1`
	queryGroupMembers     = `SELECT user_id FROM directory_group_members WHERE provider = $1 AND group_name = lower($2) ORDER BY user_id`
	queryDeleteNonMembers = `DELETE FROM directory_group_members WHERE provider = $1 AND group_name = lower($2) AND NOT (user_id = ANY($3))`
	queryInsertMembers    = `INSERT INTO directory_group_members (provider, group_name, user_id) SELECT $1, lower($2), unnest($3::bigint[]) ON CONFLICT DO NOTHING`
)

const uniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL through lib/pq.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open identity database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping identity database: %w", err)
	}
	return NewPostgresStore(db), nil
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate identity schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.DB.Close()
}

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	var state string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Name, &u.Provider, &u.ExternUID, &state, &u.Admin); err != nil {
		return nil, err
	}
	u.State = State(state)
	return &u, nil
}

func (s *PostgresStore) queryUser(ctx context.Context, op, query string, args ...interface{}) (*User, error) {
	u, err := scanUser(s.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (s *PostgresStore) UserByIdentity(ctx context.Context, provider, externUID string) (*User, error) {
	return s.queryUser(ctx, "UserByIdentity", queryUserByIdentity, provider, externUID)
}

func (s *PostgresStore) UserByUsername(ctx context.Context, username string) (*User, error) {
	return s.queryUser(ctx, "UserByUsername", queryUserByUsername, username)
}

func (s *PostgresStore) UsersByProvider(ctx context.Context, provider string) ([]User, error) {
	rows, err := s.DB.QueryContext(ctx, queryUsersByProvider, provider)
	if err != nil {
		return nil, fmt.Errorf("UsersByProvider: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	err := s.DB.QueryRowContext(ctx, queryInsertUser,
		u.Username, u.Email, u.Name, u.Provider, u.ExternUID, string(u.State), u.Admin,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("CreateUser %q: %w", u.Username, mapErr(err))
	}
	return nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	res, err := s.DB.ExecContext(ctx, queryUpdateUser, u.ID, u.Username, u.Email, u.Name, string(u.State), u.Admin)
	if err != nil {
		return fmt.Errorf("UpdateUser %d: %w", u.ID, mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateUser %d: %w", u.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GroupMembers(ctx context.Context, provider, group string) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, queryGroupMembers, provider, group)
	if err != nil {
		return nil, fmt.Errorf("GroupMembers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetGroupMembers replaces the membership of a group in one transaction.
func (s *PostgresStore) SetGroupMembers(ctx context.Context, provider, group string, userIDs []int64) error {
	members := dedupIDs(userIDs)
	if members == nil {
		members = []int64{}
	}
	ids := pq.Array(members)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, queryDeleteNonMembers, provider, group, ids); err != nil {
		return fmt.Errorf("SetGroupMembers delete: %w", err)
	}
	if len(userIDs) > 0 {
		if _, err := tx.ExecContext(ctx, queryInsertMembers, provider, group, ids); err != nil {
			return fmt.Errorf("SetGroupMembers insert: %w", mapErr(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	}
	return err
}
