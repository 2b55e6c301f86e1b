// Package sqlstore keeps hosts in a relational table through gorm.
// Postgres is the production dialect; sqlite serves tests and small installs.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

// hostRow is the persisted shape of domain.Host.
type hostRow struct {
	Hostname      string    `gorm:"primaryKey;size:63"`
	IPAddress     string    `gorm:"size:45"`
	Status        string    `gorm:"size:16;index"`
	RegisteredAt  time.Time `gorm:"not null"`
	LastSeen      time.Time `gorm:"index"`
	DNSZone       string    `gorm:"size:253"`
	DNSFQDN       string    `gorm:"column:dns_fqdn;size:253"`
	DNSTTL        int       `gorm:"column:dns_ttl"`
	DNSSyncStatus string    `gorm:"size:16;index"`
	DNSLastSync   time.Time
	DNSSyncError  string `gorm:"type:text"`
	DNSRecordType string `gorm:"size:8"`
	SyncAttempts  int
	SyncTask      string `gorm:"type:text"` // JSON-encoded domain.SyncTask, empty when none
	Version       int64  `gorm:"not null"`
}

func (hostRow) TableName() string { return "hosts" }

// Store implements registry.Store over gorm.
type Store struct {
	db *gorm.DB
}

// OpenPostgres connects to a Postgres database using a libpq DSN or URL.
func OpenPostgres(dsn string) (*Store, error) {
	return open(postgres.Open(dsn))
}

// OpenSQLite opens a sqlite database file (":memory:" works for tests).
func OpenSQLite(path string) (*Store, error) {
	s, err := open(sqlite.Open(path))
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps ":memory:" databases shared.
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return s, nil
}

func open(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&hostRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate hosts table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, hostname string) (*domain.Host, error) {
	var row hostRow
	err := s.db.WithContext(ctx).Where("hostname = ?", hostname).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}
	return fromRow(&row)
}

func (s *Store) Put(ctx context.Context, host *domain.Host) error {
	expected := host.Version
	row, err := toRow(host)
	if err != nil {
		return err
	}
	row.Version = expected + 1

	db := s.db.WithContext(ctx)
	if expected == 0 {
		if err := db.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return registry.ErrConflict
			}
			// Some drivers do not translate unique violations.
			var n int64
			if cerr := db.Model(&hostRow{}).Where("hostname = ?", host.Hostname).Count(&n).Error; cerr == nil && n > 0 {
				return registry.ErrConflict
			}
			return fmt.Errorf("failed to create host: %w", err)
		}
		host.Version = row.Version
		return nil
	}

	res := db.Model(&hostRow{}).
		Where("hostname = ? AND version = ?", host.Hostname, expected).
		Updates(map[string]any{
			"ip_address":      row.IPAddress,
			"status":          row.Status,
			"registered_at":   row.RegisteredAt,
			"last_seen":       row.LastSeen,
			"dns_zone":        row.DNSZone,
			"dns_fqdn":        row.DNSFQDN,
			"dns_ttl":         row.DNSTTL,
			"dns_sync_status": row.DNSSyncStatus,
			"dns_last_sync":   row.DNSLastSync,
			"dns_sync_error":  row.DNSSyncError,
			"dns_record_type": row.DNSRecordType,
			"sync_attempts":   row.SyncAttempts,
			"sync_task":       row.SyncTask,
			"version":         row.Version,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update host: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return registry.ErrConflict
	}
	host.Version = row.Version
	return nil
}

func (s *Store) Delete(ctx context.Context, hostname string, version int64) error {
	res := s.db.WithContext(ctx).
		Where("hostname = ? AND version = ?", hostname, version).
		Delete(&hostRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete host: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return registry.ErrConflict
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*domain.Host, error) {
	var rows []hostRow
	if err := s.db.WithContext(ctx).Order("hostname").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	hosts := make([]*domain.Host, 0, len(rows))
	for i := range rows {
		h, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(h *domain.Host) (*hostRow, error) {
	row := &hostRow{
		Hostname:      h.Hostname,
		IPAddress:     h.IPAddress,
		Status:        string(h.Status),
		RegisteredAt:  h.RegisteredAt.UTC(),
		LastSeen:      h.LastSeen.UTC(),
		DNSZone:       h.DNSZone,
		DNSFQDN:       h.DNSFQDN,
		DNSTTL:        h.DNSTTL,
		DNSSyncStatus: string(h.DNSSyncStatus),
		DNSLastSync:   h.DNSLastSync.UTC(),
		DNSSyncError:  h.DNSSyncError,
		DNSRecordType: h.DNSRecordType,
		SyncAttempts:  h.SyncAttempts,
		Version:       h.Version,
	}
	if h.SyncTask != nil {
		data, err := json.Marshal(h.SyncTask)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sync task: %w", err)
		}
		row.SyncTask = string(data)
	}
	return row, nil
}

func fromRow(row *hostRow) (*domain.Host, error) {
	h := &domain.Host{
		Hostname:      row.Hostname,
		IPAddress:     row.IPAddress,
		Status:        domain.HostStatus(row.Status),
		RegisteredAt:  row.RegisteredAt,
		LastSeen:      row.LastSeen,
		DNSZone:       row.DNSZone,
		DNSFQDN:       row.DNSFQDN,
		DNSTTL:        row.DNSTTL,
		DNSSyncStatus: domain.SyncStatus(row.DNSSyncStatus),
		DNSLastSync:   row.DNSLastSync,
		DNSSyncError:  row.DNSSyncError,
		DNSRecordType: row.DNSRecordType,
		SyncAttempts:  row.SyncAttempts,
		Version:       row.Version,
	}
	if row.SyncTask != "" {
		var task domain.SyncTask
		if err := json.Unmarshal([]byte(row.SyncTask), &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sync task for %s: %w", row.Hostname, err)
		}
		h.SyncTask = &task
	}
	return h, nil
}
