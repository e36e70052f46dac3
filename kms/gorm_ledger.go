package kms

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EphemeralKeyModel is the gorm model of a ledger entry.
type EphemeralKeyModel struct {
	ID           string    `gorm:"type:varchar(255);primaryKey"`
	Scope        string    `gorm:"type:varchar(255);not null;index:idx_scope_state"`
	OwnerAccount string    `gorm:"type:varchar(64);not null"`
	Grants       string    `gorm:"type:text"`
	Dependents   string    `gorm:"type:text"`
	State        string    `gorm:"type:varchar(16);not null;index:idx_scope_state"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name.
func (EphemeralKeyModel) TableName() string {
	return "ephemeral_keys"
}

func (e *EphemeralKeyModel) toEntry() LedgerEntry {
	key := &interfaces.EphemeralKey{
		ID:           e.ID,
		OwnerAccount: e.OwnerAccount,
		CreatedAt:    e.CreatedAt,
		State:        interfaces.KeyState(e.State),
	}
	if e.Grants != "" {
		key.Grants = strings.Split(e.Grants, ",")
	}
	entry := LedgerEntry{EphemeralKey: key}
	if e.Dependents != "" {
		entry.Dependents = strings.Split(e.Dependents, ",")
	}
	return entry
}

// GormLedger stores ledger entries in a SQL database.
type GormLedger struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewGormLedger migrates the ledger table and returns a ledger backed by db.
func NewGormLedger(db *gorm.DB, log *slog.Logger) (*GormLedger, error) {
	if err := db.AutoMigrate(&EphemeralKeyModel{}); err != nil {
		return nil, err
	}
	return &GormLedger{db: db, log: log}, nil
}

func (l *GormLedger) Record(ctx context.Context, scope string, key *interfaces.EphemeralKey, dependents []string) error {
	model := &EphemeralKeyModel{
		ID:           key.ID,
		Scope:        scope,
		OwnerAccount: key.OwnerAccount,
		Grants:       strings.Join(key.Grants, ","),
		Dependents:   strings.Join(dependents, ","),
		State:        string(key.State),
		CreatedAt:    key.CreatedAt,
	}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"grants", "dependents", "state", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		l.log.Error("Failed to record key state",
			slog.String("keyID", key.ID),
			slog.String("state", string(key.State)),
			"err", err)
		return err
	}
	return nil
}

func (l *GormLedger) Outstanding(ctx context.Context, scope string) ([]LedgerEntry, error) {
	var models []EphemeralKeyModel
	err := l.db.WithContext(ctx).
		Where("scope = ? AND state IN ?", scope, []string{
			string(interfaces.KeyCreated),
			string(interfaces.KeyGranted),
			string(interfaces.KeyRevoked),
		}).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		l.log.Error("Failed to list outstanding keys", slog.String("scope", scope), "err", err)
		return nil, err
	}

	entries := make([]LedgerEntry, len(models))
	for i := range models {
		entries[i] = models[i].toEntry()
	}
	return entries, nil
}
