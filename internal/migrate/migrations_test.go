package migrate_test

import (
	"testing"

	"github.com/m-mizutani/gt"

	"studiocrm/internal/db"
	"studiocrm/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	gt.NoError(t, err).Required()
	t.Cleanup(func() { conn.Close() })

	current, latest, err := migrate.Status(conn)
	gt.NoError(t, err).Required()
	gt.Value(t, current).Equal(0)
	gt.Bool(t, latest >= 1).True()

	gt.NoError(t, migrate.Migrate(conn)).Required()
	gt.NoError(t, migrate.Migrate(conn)).Required()

	current, latest, err = migrate.Status(conn)
	gt.NoError(t, err).Required()
	gt.Value(t, current).Equal(latest)

	var n int
	gt.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n)).Required()
	gt.Value(t, n).Equal(1)
}
