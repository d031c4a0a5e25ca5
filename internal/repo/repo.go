package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"studiocrm/internal/config"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set, else the pooled handle.
func (r Repo) on(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) UpsertStudioConfig(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO studio_config(studio_id,config_yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(studio_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, cfg.Studio.ID, string(data), now)
	return err
}

// GetStudioConfig returns the stored config. An empty studioID picks the only stored row.
func (r Repo) GetStudioConfig(ctx context.Context, studioID string) (*config.Config, error) {
	var payload string
	var err error
	if studioID == "" {
		err = r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM studio_config ORDER BY updated_at DESC LIMIT 1`).Scan(&payload)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM studio_config WHERE studio_id=?`, studioID).Scan(&payload)
	}
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
