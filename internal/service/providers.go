package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voyagen/guidevault/internal/config"
	"github.com/voyagen/guidevault/internal/models"
	"github.com/voyagen/guidevault/internal/store"
)

// ImportResult summarises an ImportProviders call.
type ImportResult struct {
	Providers int
	// Activated is the name of the provider made active by this import, if any.
	Activated string
}

// ImportProviders upserts one provider and one same-named profile per entry,
// links them at priority 0, and activates the entry marked active. When no
// entry is marked and no provider is active yet, the first enabled entry is
// activated so a fresh install refreshes without manual setup.
// Everything runs in one transaction.
func ImportProviders(ctx context.Context, s store.Store, entries []config.ProviderEntry, log *slog.Logger) (ImportResult, error) {
	if log == nil {
		log = slog.Default()
	}
	var res ImportResult
	if len(entries) == 0 {
		return res, nil
	}
	err := s.InTx(ctx, func(tx store.Store) error {
		res = ImportResult{}
		ids := make(map[string]string, len(entries))
		for _, e := range entries {
			providerID, err := tx.UpsertProvider(ctx, e.Provider())
			if err != nil {
				return fmt.Errorf("UpsertProvider %s: %w", e.Name, err)
			}
			profileID, err := tx.UpsertProfile(ctx, e.Name, e.Enabled)
			if err != nil {
				return fmt.Errorf("UpsertProfile %s: %w", e.Name, err)
			}
			link := models.ProfileProvider{ProfileID: profileID, ProviderID: providerID, Priority: 0, Enabled: true}
			if err := tx.LinkProfileProvider(ctx, link); err != nil {
				return fmt.Errorf("LinkProfileProvider %s: %w", e.Name, err)
			}
			ids[e.Name] = providerID
			res.Providers++
		}

		target := ""
		for _, e := range entries {
			if e.Active {
				target = e.Name
				break
			}
		}
		if target == "" {
			_, err := tx.ActiveProvider(ctx)
			switch {
			case err == nil:
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("ActiveProvider: %w", err)
			}
			for _, e := range entries {
				if e.Enabled {
					target = e.Name
					break
				}
			}
		}
		if target == "" {
			return nil
		}
		if err := tx.ActivateProvider(ctx, ids[target]); err != nil {
			return fmt.Errorf("ActivateProvider %s: %w", target, err)
		}
		res.Activated = target
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	log.Info("providers imported", "count", res.Providers, "activated", res.Activated)
	return res, nil
}
