package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/curriculumconsole/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultNamespace is used when no namespace is supplied.
const DefaultNamespace = "default"

var errEmptyKey = errors.New("session_store.empty_key")

type sessionEntryRecord struct {
	Namespace     string `gorm:"column:namespace;primaryKey"`
	EntryKey      string `gorm:"column:entry_key;primaryKey"`
	Value         string `gorm:"column:value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (sessionEntryRecord) TableName() string {
	return "session_entries"
}

// DatabaseStore persists session keys in a SQL table through GORM.
type DatabaseStore struct {
	handle      *database.Handle
	db          *gorm.DB
	driverLabel string
	namespace   string
}

// OpenDatabaseStore connects to databaseURL (postgres:// or sqlite://) and migrates the session table.
func OpenDatabaseStore(ctx context.Context, databaseURL string, namespace string) (*DatabaseStore, error) {
	handle, err := database.Open(ctx, databaseURL, &sessionEntryRecord{})
	if err != nil {
		return nil, fmt.Errorf("session_store.open: %w", err)
	}
	return &DatabaseStore{handle: handle, db: handle.DB, driverLabel: handle.Driver, namespace: normalizeNamespace(namespace)}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Get returns the value stored under key.
func (store *DatabaseStore) Get(ctx context.Context, key string) (string, bool, error) {
	var record sessionEntryRecord
	err := store.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", store.namespace, key).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("session_store.get.%s: %w", store.driverLabel, err)
	}
	return record.Value, true, nil
}

// SetMany upserts every entry inside one transaction.
func (store *DatabaseStore) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	records := make([]sessionEntryRecord, 0, len(values))
	for key, value := range values {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("session_store.set.%s: %w", store.driverLabel, errEmptyKey)
		}
		records = append(records, sessionEntryRecord{
			Namespace:     store.namespace,
			EntryKey:      key,
			Value:         value,
			UpdatedAtUnix: nowUnix,
		})
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_unix"}),
		}).Create(&records).Error
	})
	if err != nil {
		return fmt.Errorf("session_store.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// DeleteMany removes every listed key; missing keys are ignored.
func (store *DatabaseStore) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	err := store.db.WithContext(ctx).
		Where("namespace = ? AND entry_key IN ?", store.namespace, keys).
		Delete(&sessionEntryRecord{}).Error
	if err != nil {
		return fmt.Errorf("session_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Close releases the database connection.
func (store *DatabaseStore) Close() error {
	return store.handle.Close()
}

func normalizeNamespace(namespace string) string {
	trimmed := strings.TrimSpace(namespace)
	if trimmed == "" {
		return DefaultNamespace
	}
	return trimmed
}
