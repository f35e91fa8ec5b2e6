package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quickwind/workflow/internal/logger"
)

const (
	ModeLocal    = "local"
	ModePostgres = "postgres"
)

var (
	// ErrNotFound is returned when a tenant-scoped lookup matches nothing.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey is returned when an insert hits a unique constraint.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrLockHeld is returned when a lease key is already held and unexpired.
	ErrLockHeld = errors.New("lock already held")
	// ErrLockNotFound is returned when releasing or renewing an unknown lease.
	ErrLockNotFound = errors.New("lock not found")
)

// Config selects the storage backend. Local mode runs on sqlite and is the
// default for development and tests; postgres mode is for deployments.
type Config struct {
	Mode         string
	DatabasePath string
	PostgresDSN  string
}

// Storage is the single persistence provider. The schema is managed through
// the gorm models in models.go; all query paths live in the per-concern
// files alongside.
type Storage struct {
	db *gorm.DB
}

// New opens the configured backend and migrates the schema.
func New(cfg Config) (*Storage, error) {
	var dialector gorm.Dialector
	switch cfg.Mode {
	case "", ModeLocal:
		path := cfg.DatabasePath
		if path == "" {
			path = "workflow.db"
		}
		dialector = sqlite.Open(path + "?_busy_timeout=5000&_journal_mode=WAL")
	case ModePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage mode requires a DSN")
		}
		dialector = postgres.Open(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Mode)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	logger.Logger.Debug().Str("mode", modeName(cfg.Mode)).Msg("Storage initialized")
	return s, nil
}

func modeName(mode string) string {
	if mode == "" {
		return ModeLocal
	}
	return mode
}

func (s *Storage) migrate() error {
	err := s.db.AutoMigrate(
		&TenantModel{},
		&TenantAPIKeyModel{},
		&WorkflowDefinitionModel{},
		&DefinitionVersionModel{},
		&WorkflowInstanceModel{},
		&TokenModel{},
		&UserTaskModel{},
		&ServiceTaskModel{},
		&IdempotencyRecordModel{},
		&AuditEventModel{},
		&LockModel{},
		&CatalogEntryModel{},
		&CatalogServiceTaskModel{},
	)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("access sql db: %w", err)
	}
	return sqlDB.Close()
}

// isUniqueViolation normalizes unique-constraint errors across sqlite and
// postgres drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func now() time.Time { return time.Now().UTC() }
