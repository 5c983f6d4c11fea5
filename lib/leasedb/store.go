// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package leasedb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
	"github.com/keylease/keylease/lib/sqlitepool"
)

const schema = `
	CREATE TABLE IF NOT EXISTS permissions (
		grantee_key  TEXT PRIMARY KEY,
		max_duration INTEGER NOT NULL,
		scopes       TEXT,
		auto_approve INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS requests (
		id               TEXT PRIMARY KEY,
		grantee_key      TEXT NOT NULL,
		target_identity  TEXT NOT NULL,
		duration         INTEGER NOT NULL,
		scope            TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		created_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, created_at);

	CREATE TABLE IF NOT EXISTS revocations (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		lease_id   TEXT NOT NULL UNIQUE,
		revoked_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage (
		lease_id   TEXT PRIMARY KEY,
		connects   INTEGER NOT NULL DEFAULT 0,
		calls      INTEGER NOT NULL DEFAULT 0,
		streams    INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_seen  INTEGER NOT NULL
	);
`

// Store is the SQLite-backed lease state. Safe for concurrent use;
// writes serialize on SQLite's single-writer lock.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Open creates the store, applying the schema on first connect.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lease store: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool. Blocks until all borrowed
// connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// SavePermission upserts the standing permission for its grantee key,
// mirroring PermissionTable.Upsert: replacement is wholesale.
func (s *Store) SavePermission(ctx context.Context, permission lease.Permission) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("lease store: save permission: %w", err)
	}
	defer s.pool.Put(conn)

	var scopesJSON any
	if len(permission.Scopes) > 0 {
		data, err := json.Marshal(permission.Scopes)
		if err != nil {
			return fmt.Errorf("lease store: marshal scopes: %w", err)
		}
		scopesJSON = string(data)
	}

	autoApprove := 0
	if permission.AutoApprove {
		autoApprove = 1
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO permissions (grantee_key, max_duration, scopes, auto_approve)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(grantee_key) DO UPDATE SET
			max_duration = excluded.max_duration,
			scopes       = excluded.scopes,
			auto_approve = excluded.auto_approve`,
		&sqlitex.ExecOptions{
			Args: []any{
				permission.GranteeKey.String(),
				int64(permission.MaxDuration / time.Second),
				scopesJSON,
				autoApprove,
			},
		})
	if err != nil {
		return fmt.Errorf("lease store: save permission: %w", err)
	}
	return nil
}

// DeletePermission removes the permission for the grantee key.
func (s *Store) DeletePermission(ctx context.Context, granteeKey identity.PublicKey) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("lease store: delete permission: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM permissions WHERE grantee_key = ?",
		&sqlitex.ExecOptions{Args: []any{granteeKey.String()}})
	if err != nil {
		return fmt.Errorf("lease store: delete permission: %w", err)
	}
	return nil
}

// LoadPermissions returns every stored permission, for seeding the
// in-memory table on startup.
func (s *Store) LoadPermissions(ctx context.Context) ([]lease.Permission, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease store: load permissions: %w", err)
	}
	defer s.pool.Put(conn)

	var permissions []lease.Permission
	err = sqlitex.Execute(conn,
		"SELECT grantee_key, max_duration, scopes, auto_approve FROM permissions",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				granteeKey, err := identity.ParsePublicKey(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("grantee key: %w", err)
				}
				permission := lease.Permission{
					GranteeKey:  granteeKey,
					MaxDuration: time.Duration(stmt.ColumnInt64(1)) * time.Second,
					AutoApprove: stmt.ColumnInt(3) != 0,
				}
				if !stmt.ColumnIsNull(2) {
					if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &permission.Scopes); err != nil {
						return fmt.Errorf("unmarshal scopes: %w", err)
					}
				}
				permissions = append(permissions, permission)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("lease store: load permissions: %w", err)
	}
	return permissions, nil
}

// SaveRequest upserts a lease request keyed by its content-derived ID.
func (s *Store) SaveRequest(ctx context.Context, request lease.Request) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("lease store: save request: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO requests (id, grantee_key, target_identity, duration, scope, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		&sqlitex.ExecOptions{
			Args: []any{
				request.ID(),
				request.GranteeKey.String(),
				request.TargetIdentity.String(),
				int64(request.Duration / time.Second),
				request.Scope,
				string(request.Status),
				request.CreatedAt,
			},
		})
	if err != nil {
		return fmt.Errorf("lease store: save request: %w", err)
	}
	return nil
}

// SetRequestStatus updates a request's status.
func (s *Store) SetRequestStatus(ctx context.Context, id string, status lease.RequestStatus) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("lease store: set request status: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE requests SET status = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{string(status), id}})
	if err != nil {
		return fmt.Errorf("lease store: set request status: %w", err)
	}
	return nil
}

// LoadRequests returns every request with the given status, oldest
// first. An empty status loads all requests.
func (s *Store) LoadRequests(ctx context.Context, status lease.RequestStatus) ([]lease.Request, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease store: load requests: %w", err)
	}
	defer s.pool.Put(conn)

	query := "SELECT grantee_key, target_identity, duration, scope, status, created_at FROM requests"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at"

	var requests []lease.Request
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			granteeKey, err := identity.ParsePublicKey(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("grantee key: %w", err)
			}
			target, err := identity.ParsePublicKey(stmt.ColumnText(1))
			if err != nil {
				return fmt.Errorf("target identity: %w", err)
			}
			requests = append(requests, lease.Request{
				GranteeKey:     granteeKey,
				TargetIdentity: target,
				Duration:       time.Duration(stmt.ColumnInt64(2)) * time.Second,
				Scope:          stmt.ColumnText(3),
				Status:         lease.RequestStatus(stmt.ColumnText(4)),
				CreatedAt:      stmt.ColumnInt64(5),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lease store: load requests: %w", err)
	}
	return requests, nil
}

// AppendRevocation appends the lease ID to the revocation log.
// Appending an already-logged ID fails with lease.ErrAlreadyRevoked,
// mirroring Registry.Revoke.
func (s *Store) AppendRevocation(ctx context.Context, leaseID string, revokedAt int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("lease store: append revocation: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO revocations (lease_id, revoked_at) VALUES (?, ?) ON CONFLICT(lease_id) DO NOTHING",
		&sqlitex.ExecOptions{Args: []any{leaseID, revokedAt}})
	if err != nil {
		return fmt.Errorf("lease store: append revocation: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", lease.ErrAlreadyRevoked, leaseID)
	}
	return nil
}

// LoadRevocations returns every revoked lease ID in append order, for
// rebuilding the in-memory registry on startup.
func (s *Store) LoadRevocations(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease store: load revocations: %w", err)
	}
	defer s.pool.Put(conn)

	var leaseIDs []string
	err = sqlitex.Execute(conn, "SELECT lease_id FROM revocations ORDER BY seq",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				leaseIDs = append(leaseIDs, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("lease store: load revocations: %w", err)
	}
	return leaseIDs, nil
}

// MergeUsage adds the drained in-memory counters onto the persisted
// rows, one IMMEDIATE transaction for the whole batch.
func (s *Store) MergeUsage(ctx context.Context, usages []lease.Usage) (err error) {
	if len(usages) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("lease store: merge usage: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("lease store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, usage := range usages {
		err = sqlitex.Execute(conn, `
			INSERT INTO usage (lease_id, connects, calls, streams, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(lease_id) DO UPDATE SET
				connects  = connects + excluded.connects,
				calls     = calls + excluded.calls,
				streams   = streams + excluded.streams,
				last_seen = MAX(last_seen, excluded.last_seen)`,
			&sqlitex.ExecOptions{
				Args: []any{
					usage.LeaseID,
					int64(usage.Connects),
					int64(usage.Calls),
					int64(usage.Streams),
					usage.FirstSeen,
					usage.LastSeen,
				},
			})
		if err != nil {
			return fmt.Errorf("lease store: merge usage %s: %w", usage.LeaseID, err)
		}
	}
	return nil
}

// QueryUsage returns the persisted usage for one lease. The second
// return is false when the lease was never seen.
func (s *Store) QueryUsage(ctx context.Context, leaseID string) (lease.Usage, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return lease.Usage{}, false, fmt.Errorf("lease store: query usage: %w", err)
	}
	defer s.pool.Put(conn)

	var usage lease.Usage
	var found bool
	err = sqlitex.Execute(conn,
		"SELECT lease_id, connects, calls, streams, first_seen, last_seen FROM usage WHERE lease_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{leaseID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				usage = scanUsage(stmt)
				return nil
			},
		})
	if err != nil {
		return lease.Usage{}, false, fmt.Errorf("lease store: query usage: %w", err)
	}
	return usage, found, nil
}

// AllUsage returns the persisted usage for every lease, most recently
// active first.
func (s *Store) AllUsage(ctx context.Context) ([]lease.Usage, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease store: all usage: %w", err)
	}
	defer s.pool.Put(conn)

	var usages []lease.Usage
	err = sqlitex.Execute(conn,
		"SELECT lease_id, connects, calls, streams, first_seen, last_seen FROM usage ORDER BY last_seen DESC",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				usages = append(usages, scanUsage(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("lease store: all usage: %w", err)
	}
	return usages, nil
}

func scanUsage(stmt *sqlite.Stmt) lease.Usage {
	return lease.Usage{
		LeaseID:   stmt.ColumnText(0),
		Connects:  uint64(stmt.ColumnInt64(1)),
		Calls:     uint64(stmt.ColumnInt64(2)),
		Streams:   uint64(stmt.ColumnInt64(3)),
		FirstSeen: stmt.ColumnInt64(4),
		LastSeen:  stmt.ColumnInt64(5),
	}
}
