package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the durable mirror of the audit trail. Append-only: the interface
// exposes no update or delete.
type Store interface {
	Append(ctx context.Context, event Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

// StoreConfig selects and configures the durable backend.
type StoreConfig struct {
	Driver      string // "sqlite" or "postgres"
	SQLitePath  string
	PostgresDSN string
}

// EventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt; the audit log is append-only and immutable.
type EventModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind      string    `gorm:"not null;index"`
	SessionID string    `gorm:"index"`
	Fields    string    `gorm:"type:text;not null;default:'{}'"`
	CreatedAt time.Time `gorm:"index"`
}

func (EventModel) TableName() string { return "audit_events" }

// GormStore implements Store on SQLite (via glebarez/sqlite, pure Go) or
// PostgreSQL (via the gorm postgres driver).
type GormStore struct {
	db *gorm.DB
}

// OpenStore opens the configured backend and runs migrations.
func OpenStore(cfg StoreConfig, slogger *slog.Logger) (*GormStore, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite audit store requires a path")
		}
		if mkErr := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0750); mkErr != nil {
			return nil, fmt.Errorf("creating audit database directory: %w", mkErr)
		}
		// WAL for concurrent readers; busy_timeout so writers back off instead of erroring.
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", cfg.SQLitePath)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.PostgresDSN), gormCfg)
	default:
		return nil, fmt.Errorf("unknown audit store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit store (%s): %w", cfg.Driver, err)
	}

	if err := db.AutoMigrate(&EventModel{}); err != nil {
		return nil, fmt.Errorf("migrating audit store: %w", err)
	}

	slogger.Info("audit store opened", slog.String("driver", cfg.Driver))
	return &GormStore{db: db}, nil
}

// Append inserts a single audit event.
func (s *GormStore) Append(ctx context.Context, event Event) error {
	model, err := toModel(event)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Recent returns audit events, newest first. Limit defaults to 100.
func (s *GormStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []EventModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]Event, len(models))
	for i := range models {
		events[i] = toDomain(&models[i])
	}
	return events, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(event Event) (EventModel, error) {
	fields := "{}"
	if len(event.Fields) > 0 {
		data, err := json.Marshal(event.Fields)
		if err != nil {
			return EventModel{}, fmt.Errorf("marshaling audit fields: %w", err)
		}
		fields = string(data)
	}
	return EventModel{
		ID:        event.ID,
		Kind:      event.Kind,
		SessionID: event.SessionID,
		Fields:    fields,
		CreatedAt: event.Timestamp,
	}, nil
}

func toDomain(m *EventModel) Event {
	var fields map[string]any
	_ = json.Unmarshal([]byte(m.Fields), &fields)
	return Event{
		ID:        m.ID,
		Timestamp: m.CreatedAt,
		Kind:      m.Kind,
		SessionID: m.SessionID,
		Fields:    fields,
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

var _ Store = (*GormStore)(nil)
