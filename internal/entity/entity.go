// Package entity resolves accounts discovered on the remote network to local
// external_entity rows, creating them on first sight.
package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/sqlutil"
	"github.com/dbsmedya/edgewatch/internal/types"
)

// ErrEntityNotFound is returned by Resolve when neither the id nor the handle matches.
var ErrEntityNotFound = errors.New("entity not found")

// lookupChunkSize caps the IN list of a batch lookup.
const lookupChunkSize = 500

// handle uses a case-insensitive collation so lookups and the unique key
// ignore case.
const createEntityTableSQL = `
CREATE TABLE IF NOT EXISTS external_entity (
	external_id VARCHAR(64) PRIMARY KEY,
	handle VARCHAR(64) CHARACTER SET utf8mb4 COLLATE utf8mb4_general_ci NULL,
	display_name VARCHAR(255) NOT NULL DEFAULT '',
	profile JSON NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	UNIQUE KEY uk_handle (handle)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

const selectEntityColumns = `SELECT external_id, handle, display_name, profile, created_at, updated_at FROM external_entity`

const insertEntitySQL = `
INSERT INTO external_entity (external_id, handle, display_name, profile, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`

const updateEntitySQL = `
UPDATE external_entity SET handle = ?, display_name = ?, profile = ?, updated_at = ?
WHERE external_id = ?
`

const releaseHandleSQL = `
UPDATE external_entity SET handle = NULL, updated_at = ?
WHERE handle = ? AND external_id <> ?
`

// Resolver is the MySQL-backed entity store.
type Resolver struct {
	db     *sql.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewResolver creates an entity resolver.
func NewResolver(db *sql.DB, log *logger.Logger) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Resolver{
		db:     db,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the clock used for created_at/updated_at.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// InitializeTables creates the external_entity table if it doesn't exist.
func (r *Resolver) InitializeTables(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createEntityTableSQL); err != nil {
		return fmt.Errorf("failed to create external_entity table: %w", err)
	}
	r.logger.Debug("external_entity table initialized")
	return nil
}

// Resolve looks an entity up by external id, then by handle (case-insensitive,
// leading "@" ignored). Either argument may be empty.
func (r *Resolver) Resolve(ctx context.Context, externalID, handle string) (*types.ExternalEntity, error) {
	if externalID != "" {
		e, err := r.getOne(ctx, selectEntityColumns+` WHERE external_id = ?`, externalID)
		if err == nil || !errors.Is(err, ErrEntityNotFound) {
			return e, err
		}
	}

	if handle = types.NormalizeHandle(handle); handle != "" {
		return r.getOne(ctx, selectEntityColumns+` WHERE handle = ?`, handle)
	}

	return nil, ErrEntityNotFound
}

func (r *Resolver) getOne(ctx context.Context, query string, arg string) (*types.ExternalEntity, error) {
	row := r.db.QueryRowContext(ctx, query, arg)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", arg, err)
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(s scanner) (*types.ExternalEntity, error) {
	var (
		e       types.ExternalEntity
		handle  sql.NullString
		profile []byte
	)
	if err := s.Scan(&e.ExternalID, &handle, &e.DisplayName, &profile, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Handle = handle.String
	if len(profile) > 0 {
		var p types.Profile
		if err := json.Unmarshal(profile, &p); err != nil {
			return nil, fmt.Errorf("failed to decode profile of %s: %w", e.ExternalID, err)
		}
		e.Profile = &p
	}
	return &e, nil
}

// Create inserts an entity for profile. It is idempotent: when the id already
// exists the stored row is returned unchanged. When the handle is held by a
// different id, that row's handle is cleared (handles move between accounts,
// ids do not) and the insert is retried once.
func (r *Resolver) Create(ctx context.Context, profile *types.Profile) (*types.ExternalEntity, error) {
	if profile == nil || profile.ExternalID == "" {
		return nil, fmt.Errorf("profile has no external id")
	}

	args, err := r.rowArgs(profile)
	if err != nil {
		return nil, err
	}
	now := r.now()

	for attempt := 0; attempt < 2; attempt++ {
		_, err = r.db.ExecContext(ctx, insertEntitySQL,
			profile.ExternalID, args.handle, args.displayName, args.profile, now, now)
		if err == nil {
			return &types.ExternalEntity{
				ExternalID:  profile.ExternalID,
				Handle:      args.handle.String,
				DisplayName: args.displayName,
				Profile:     profile,
				CreatedAt:   now,
				UpdatedAt:   now,
			}, nil
		}
		if !sqlutil.IsDuplicateEntry(err) {
			return nil, fmt.Errorf("failed to insert entity %s: %w", profile.ExternalID, err)
		}

		existing, lookupErr := r.Resolve(ctx, profile.ExternalID, "")
		if lookupErr == nil {
			return existing, nil
		}
		if !errors.Is(lookupErr, ErrEntityNotFound) {
			return nil, lookupErr
		}

		if attempt == 0 && args.handle.Valid {
			if err := r.releaseHandle(ctx, args.handle.String, profile.ExternalID); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("failed to insert entity %s: %w", profile.ExternalID, err)
}

// Refresh overwrites handle, display name and snapshot of an existing entity.
func (r *Resolver) Refresh(ctx context.Context, profile *types.Profile) error {
	if profile == nil || profile.ExternalID == "" {
		return fmt.Errorf("profile has no external id")
	}

	args, err := r.rowArgs(profile)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		_, err = r.db.ExecContext(ctx, updateEntitySQL,
			args.handle, args.displayName, args.profile, r.now(), profile.ExternalID)
		if err == nil {
			return nil
		}
		if !sqlutil.IsDuplicateEntry(err) || !args.handle.Valid || attempt > 0 {
			break
		}
		if err := r.releaseHandle(ctx, args.handle.String, profile.ExternalID); err != nil {
			return err
		}
	}

	return fmt.Errorf("failed to refresh entity %s: %w", profile.ExternalID, err)
}

func (r *Resolver) releaseHandle(ctx context.Context, handle, newOwner string) error {
	res, err := r.db.ExecContext(ctx, releaseHandleSQL, r.now(), handle, newOwner)
	if err != nil {
		return fmt.Errorf("failed to release handle %s: %w", handle, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.logger.Infow("Released stale handle", "handle", handle, "new_owner", newOwner)
	}
	return nil
}

type entityArgs struct {
	handle      sql.NullString
	displayName string
	profile     []byte
}

func (r *Resolver) rowArgs(profile *types.Profile) (entityArgs, error) {
	snapshot, err := json.Marshal(profile)
	if err != nil {
		return entityArgs{}, fmt.Errorf("failed to encode profile of %s: %w", profile.ExternalID, err)
	}
	handle := types.NormalizeHandle(profile.Handle)
	return entityArgs{
		handle:      sql.NullString{String: handle, Valid: handle != ""},
		displayName: profile.DisplayName,
		profile:     snapshot,
	}, nil
}

// ResolveFetched makes sure every fetched profile exists locally. Unknown ids
// are created; known ids whose handle or display name changed are refreshed.
// It returns the fetched ids in fetch order, without duplicates.
func (r *Resolver) ResolveFetched(ctx context.Context, profiles []types.Profile) (*orderedmap.OrderedMap[string, struct{}], types.ResolveStats, error) {
	var stats types.ResolveStats

	ids := orderedmap.NewOrderedMap[string, struct{}]()
	byID := make(map[string]*types.Profile, len(profiles))
	for i := range profiles {
		p := &profiles[i]
		if p.ExternalID == "" {
			continue
		}
		if ids.Set(p.ExternalID, struct{}{}) {
			byID[p.ExternalID] = p
		}
	}

	known, err := r.lookup(ctx, ids.Keys())
	if err != nil {
		return nil, stats, err
	}

	for el := ids.Front(); el != nil; el = el.Next() {
		p := byID[el.Key]
		existing, ok := known[el.Key]
		switch {
		case !ok:
			if _, err := r.Create(ctx, p); err != nil {
				return nil, stats, err
			}
			stats.Created++
		case existing.Handle != types.NormalizeHandle(p.Handle) || existing.DisplayName != p.DisplayName:
			if err := r.Refresh(ctx, p); err != nil {
				return nil, stats, err
			}
			stats.Refreshed++
		}
	}

	if stats.Created > 0 || stats.Refreshed > 0 {
		r.logger.Debugw("Resolved fetched entities",
			"fetched", ids.Len(), "created", stats.Created, "refreshed", stats.Refreshed)
	}

	return ids, stats, nil
}

// lookup returns the stored handle and display name of every id that exists.
func (r *Resolver) lookup(ctx context.Context, ids []string) (map[string]types.ExternalEntity, error) {
	known := make(map[string]types.ExternalEntity, len(ids))

	for _, chunk := range sqlutil.Chunk(ids, lookupChunkSize) {
		query := fmt.Sprintf(`SELECT external_id, handle, display_name FROM external_entity WHERE external_id IN (%s)`,
			sqlutil.Placeholders(len(chunk)))

		if err := func() error {
			rows, err := r.db.QueryContext(ctx, query, sqlutil.Args(chunk)...)
			if err != nil {
				return fmt.Errorf("failed to look up entities: %w", err)
			}
			defer func() {
				if closeErr := rows.Close(); closeErr != nil {
					r.logger.Warnf("Failed to close rows: %v", closeErr)
				}
			}()

			for rows.Next() {
				var e types.ExternalEntity
				var handle sql.NullString
				if err := rows.Scan(&e.ExternalID, &handle, &e.DisplayName); err != nil {
					return fmt.Errorf("failed to scan entity row: %w", err)
				}
				e.Handle = handle.String
				known[e.ExternalID] = e
			}
			return rows.Err()
		}(); err != nil {
			return nil, err
		}
	}

	return known, nil
}
