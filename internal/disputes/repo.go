package disputes

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
)

// Repository persists disputes and their evidence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, dispute *models.Dispute) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	LockByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	FindOpenByOrder(ctx context.Context, orderID uuid.UUID) (*models.Dispute, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	CreateEvidence(ctx context.Context, evidence *models.DisputeEvidence) error
	List(ctx context.Context, filters ListFilters, cursor *pagination.Cursor, limit int) ([]models.Dispute, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository binds a dispute repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, dispute *models.Dispute) error {
	return r.db.WithContext(ctx).Create(dispute).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	err := r.db.WithContext(ctx).
		Preload("Evidence", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("id = ?", id).
		First(&dispute).Error
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

func (r *repository) LockByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&dispute).Error
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

// FindOpenByOrder returns the unresolved dispute for an order, or nil.
func (r *repository) FindOpenByOrder(ctx context.Context, orderID uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status <> ?", orderID, enums.DisputeStatusResolved).
		First(&dispute).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

func (r *repository) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.Dispute{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) CreateEvidence(ctx context.Context, evidence *models.DisputeEvidence) error {
	return r.db.WithContext(ctx).Create(evidence).Error
}

// List returns the admin queue oldest first so reviews are handled in order.
func (r *repository) List(ctx context.Context, filters ListFilters, cursor *pagination.Cursor, limit int) ([]models.Dispute, error) {
	query := r.db.WithContext(ctx).Model(&models.Dispute{})
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.OrderID != nil {
		query = query.Where("order_id = ?", *filters.OrderID)
	}
	if cursor != nil {
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var disputes []models.Dispute
	if err := query.
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&disputes).Error; err != nil {
		return nil, err
	}
	return disputes, nil
}
