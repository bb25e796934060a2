package db

import (
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

var (
	ErrCreateDatabase  = errors.New("cannot create a database")
	ErrUnknownType     = errors.New("unknown database type")
	ErrMigrationFailed = errors.New("failed to migrate")
)

// Open connects to the database of the given type. Unique constraint
// violations are translated to gorm.ErrDuplicatedKey.
func Open(dbType, dsn string, debug bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dbType {
	case TypeSQLite:
		dialector = sqlite.Open(dsn)
	case TypePostgres:
		dialector = postgres.Open(dsn)
	default:
		slog.Error("db: Unknown database type", "type", dbType)
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, dbType)
	}

	logMode := logger.Silent
	if debug {
		logMode = logger.Info
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logMode),
	})
	if err != nil {
		slog.Error("db: Cannot open GORM database", "error", err, "type", dbType)
		return nil, fmt.Errorf("%w: %w", ErrCreateDatabase, err)
	}

	return conn, nil
}

func Migrate(conn *gorm.DB) error {
	slog.Info("db: Going to start database migrations")

	models := []any{&Chat{}, &Poll{}, &PollOption{}, &CodeLine{}}
	for _, model := range models {
		if err := conn.AutoMigrate(model); err != nil {
			slog.Error("db: Migration failed", "error", err, "model", fmt.Sprintf("%T", model))
			return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
	}

	return nil
}

// Close releases the underlying connection pool
func Close(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
