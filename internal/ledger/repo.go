package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
)

// Repository manages persistence for ledger entries. It exposes no update or
// delete path: entries are immutable once written.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	OrderExists(ctx context.Context, orderID uuid.UUID) (bool, error)
	FindByKey(ctx context.Context, orderID uuid.UUID, key string) (*models.LedgerEntry, error)
	LastSequence(ctx context.Context, orderID uuid.UUID) (int64, error)
	Create(ctx context.Context, entry *models.LedgerEntry) error
	ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error)
	ListAfterSequence(ctx context.Context, orderID uuid.UUID, after int64, limit int) ([]models.LedgerEntry, error)
	ListCreatedAfter(ctx context.Context, after *pagination.Cursor, limit int) ([]models.LedgerEntry, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) OrderExists(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", orderID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) FindByKey(ctx context.Context, orderID uuid.UUID, key string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND idempotency_key = ?", orderID, key).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) LastSequence(ctx context.Context, orderID uuid.UUID) (int64, error) {
	var last int64
	err := r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("order_id = ?", orderID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	return last, err
}

func (r *repository) Create(ctx context.Context, entry *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("sequence ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) ListAfterSequence(ctx context.Context, orderID uuid.UUID, after int64, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := r.db.WithContext(ctx).
		Where("order_id = ? AND sequence > ?", orderID, after).
		Order("sequence ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) ListCreatedAfter(ctx context.Context, after *pagination.Cursor, limit int) ([]models.LedgerEntry, error) {
	query := r.db.WithContext(ctx).Model(&models.LedgerEntry{})
	if after != nil {
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}
	var entries []models.LedgerEntry
	if err := query.
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
