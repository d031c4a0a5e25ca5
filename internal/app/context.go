package app

import (
	"context"
	"errors"
	"fmt"

	"studiocrm/internal/config"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/repo"
)

const defaultStudioID = "studio"

// ResolveConfig returns the studio config. A studiocrm.yml in the workspace
// wins and is copied into the database; otherwise the stored config is used,
// seeding the default when nothing is stored yet.
func ResolveConfig(ctx context.Context, workspace, studioOverride string, r repo.Repo) (*config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	if fileCfg != nil {
		if studioOverride != "" {
			fileCfg.Studio.ID = studioOverride
		}
		if err := r.UpsertStudioConfig(ctx, nil, fileCfg); err != nil {
			return nil, fmt.Errorf("store config: %w", err)
		}
		return fileCfg, nil
	}
	cfg, err := r.GetStudioConfig(ctx, studioOverride)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	studioID := studioOverride
	if studioID == "" {
		studioID = defaultStudioID
	}
	seed := config.Default(studioID)
	if err := r.UpsertStudioConfig(ctx, nil, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}

// ResolveActor builds the acting employee. With no employees on record the
// system actor is used so the first hire can be made.
func ResolveActor(ctx context.Context, r repo.Repo, employeeID string) (auth.Actor, error) {
	if employeeID == "" {
		staff, err := r.ListEmployees(ctx, "", false)
		if err != nil {
			return auth.Actor{}, err
		}
		if len(staff) == 0 {
			return auth.System(), nil
		}
		return auth.Actor{}, fmt.Errorf("actor not specified; use --actor-id or STUDIOCRM_ACTOR_ID")
	}
	emp, err := r.GetEmployee(ctx, employeeID)
	if errors.Is(err, repo.ErrNotFound) {
		return auth.Actor{}, fmt.Errorf("employee %s not found", employeeID)
	}
	if err != nil {
		return auth.Actor{}, err
	}
	if !emp.Active {
		return auth.Actor{}, fmt.Errorf("employee %s is not active", emp.FullName)
	}
	return auth.FromEmployee(emp), nil
}
