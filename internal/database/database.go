package database

import (
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/strongroom/strongroom/internal/models"
)

// Open opens the local SQLite audit database at the given path, creating
// the file and its directory when missing, and migrates the schema. The
// returned handle is passed by reference into everything that records or
// queries audit entries, there is no package level instance.
func Open(p string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, errors.Wrap(err, "database: could not create directory for database file")
	}
	db, err := gorm.Open(sqlite.Open(p), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "database: could not open database file")
	}
	if err := db.AutoMigrate(&models.AuditEntry{}); err != nil {
		return nil, errors.WithStack(err)
	}
	return db, nil
}
