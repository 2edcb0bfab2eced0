package history

import (
	"context"
	"fmt"
	"io"
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

// recordModel is the GORM row shape for Record. JSON snapshots are
// stored as text so the same model works on both dialects.
type recordModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	CapabilityID string    `gorm:"index;not null"`
	SessionID    string
	Success      bool `gorm:"index"`
	Error        string
	ElapsedMS    float64
	Inputs       string `gorm:"type:text"`
	Output       string `gorm:"type:text"`
	FailedStep   string
	TraceID      string
	CreatedAt    time.Time `gorm:"index"`
}

func (recordModel) TableName() string { return "execution_records" }

// gormStore implements Store on a GORM connection. The dialect handles
// the SQL differences between SQLite and PostgreSQL transparently.
type gormStore struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open creates a history store for the configured driver. SQLite is the
// default; it runs in WAL mode with a busy timeout, matching the rest
// of the file-based state the engine keeps.
func Open(cfg Config, slogger *slog.Logger) (Store, error) {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

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

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var db *gorm.DB
	var err error
	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unknown history driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s history store: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing %s connection pool: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	slogger.Info("history store opened", slog.String("driver", driver))
	return &gormStore{db: db, driver: driver, logger: slogger}, nil
}

func (s *gormStore) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&recordModel{})
}

func (s *gormStore) Append(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	model := recordModel(*rec)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending execution record: %w", err)
	}
	return nil
}

func (s *gormStore) List(ctx context.Context, q Query) ([]*Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if q.CapabilityID != "" {
		query = query.Where("capability_id = ?", q.CapabilityID)
	}
	if q.OnlyFailures {
		query = query.Where("success = ?", false)
	}

	var models []recordModel
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing execution records: %w", err)
	}

	records := make([]*Record, len(models))
	for i := range models {
		rec := Record(models[i])
		records[i] = &rec
	}
	return records, nil
}

func (s *gormStore) Stats(ctx context.Context) ([]CapabilityStats, error) {
	var stats []CapabilityStats
	err := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Select("capability_id, count(*) as executions, sum(case when success then 0 else 1 end) as failures, avg(elapsed_ms) as avg_elapsed_ms").
		Group("capability_id").
		Order("capability_id").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating execution stats: %w", err)
	}
	return stats, nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *gormStore) Driver() string { return s.driver }

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

var _ Store = (*gormStore)(nil)
