package pg

import (
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// Migrate applies every pending goose migration found in dir. A nil fsys
// reads dir from disk.
func Migrate(cfg Config, fsys fs.FS, dir string) error {
	return withGoose(cfg, fsys, func(db *sql.DB) error {
		if err := goose.Up(db, dir); err != nil {
			return fmt.Errorf("goose up %s: %w", dir, err)
		}
		return nil
	})
}

// MigrationStatus prints the applied/pending state of every migration.
func MigrationStatus(cfg Config, fsys fs.FS, dir string) error {
	return withGoose(cfg, fsys, func(db *sql.DB) error {
		return goose.Status(db, dir)
	})
}

func withGoose(cfg Config, fsys fs.FS, fn func(db *sql.DB) error) error {
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(db)
}
