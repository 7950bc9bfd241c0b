package postgres

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/constitutional-mesh/iaer/internal/ierrors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies this Store's pending schema migrations.
func (s *Store) Migrate() error {
	return Migrate(s.db.DB)
}

// Migrate applies any pending schema migrations using goose, embedding the
// migration files so the binary carries its own schema history.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return ierrors.NewPermanent("store.postgres.migrate", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return ierrors.NewTransient("store.postgres.migrate", err)
	}
	return nil
}
