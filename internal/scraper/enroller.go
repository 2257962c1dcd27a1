package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/dbsmedya/edgewatch/internal/entity"
	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/source"
	"github.com/dbsmedya/edgewatch/internal/types"
)

// EnrollResult reports what Watch did with each handle.
type EnrollResult struct {
	Added     []string
	Rewatched []string
	Skipped   []string
}

// Enroller adds accounts to the watch list by handle.
type Enroller struct {
	entities EntityStore
	accounts WatchStore
	source   source.Source
	logger   *logger.Logger
}

// NewEnroller creates an Enroller.
func NewEnroller(entities EntityStore, accounts WatchStore, src source.Source, log *logger.Logger) (*Enroller, error) {
	if entities == nil {
		return nil, fmt.Errorf("entity store is nil")
	}
	if accounts == nil {
		return nil, fmt.Errorf("account store is nil")
	}
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Enroller{entities: entities, accounts: accounts, source: src, logger: log}, nil
}

// Watch marks every handle as watched. Handles are matched against handles
// only, so a numeric handle never selects the entity with that id. Handles
// unknown locally are looked up on the remote network; handles that do not
// exist there are skipped.
func (e *Enroller) Watch(ctx context.Context, handles []string) (*EnrollResult, error) {
	result := &EnrollResult{}

	for _, raw := range handles {
		handle := types.NormalizeHandle(raw)
		if handle == "" {
			continue
		}

		ent, err := e.entities.Resolve(ctx, "", handle)
		if errors.Is(err, entity.ErrEntityNotFound) {
			ent, err = e.enroll(ctx, handle)
			if errors.Is(err, source.ErrNotFound) {
				e.logger.Warnw("Account does not exist, skipping", "handle", handle)
				result.Skipped = append(result.Skipped, handle)
				continue
			}
		}
		if err != nil {
			return result, err
		}

		created, err := e.accounts.Watch(ctx, ent.ExternalID, ent.Handle)
		if err != nil {
			return result, fmt.Errorf("failed to watch %s: %w", handle, err)
		}

		if created {
			result.Added = append(result.Added, handle)
			e.logger.Infow("Watching account", "handle", handle, "external_id", ent.ExternalID)
		} else {
			result.Rewatched = append(result.Rewatched, handle)
			e.logger.Debugw("Account already watched", "handle", handle, "external_id", ent.ExternalID)
		}
	}

	return result, nil
}

func (e *Enroller) enroll(ctx context.Context, handle string) (*types.ExternalEntity, error) {
	profile, err := e.source.FetchProfile(ctx, "@"+handle)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to fetch profile of %s: %w", handle, err)
	}
	return e.entities.Create(ctx, profile)
}
