package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

// Repository persists escrow account snapshots.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Find(ctx context.Context, orderID uuid.UUID) (*models.EscrowAccount, error)
	Create(ctx context.Context, account *models.EscrowAccount) error
	CompareAndSwap(ctx context.Context, account *models.EscrowAccount, expectedVersion int64) (bool, error)
	Halt(ctx context.Context, orderID uuid.UUID, at time.Time, reason string) error
	ListActive(ctx context.Context, after uuid.UUID, limit int) ([]models.EscrowAccount, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository binds an escrow repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Find returns nil without error when the order has no account yet.
func (r *repository) Find(ctx context.Context, orderID uuid.UUID) (*models.EscrowAccount, error) {
	var account models.EscrowAccount
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) Create(ctx context.Context, account *models.EscrowAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

// CompareAndSwap writes the balances only when the stored version still
// matches expectedVersion, bumping the version on success.
func (r *repository) CompareAndSwap(ctx context.Context, account *models.EscrowAccount, expectedVersion int64) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.EscrowAccount{}).
		Where("order_id = ? AND version = ?", account.OrderID, expectedVersion).
		Updates(map[string]any{
			"held_amount":     account.HeldAmount,
			"released_amount": account.ReleasedAmount,
			"refunded_amount": account.RefundedAmount,
			"state":           account.State,
			"hold_key":        account.HoldKey,
			"version":         expectedVersion + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	account.Version = expectedVersion + 1
	return true, nil
}

// Halt stamps the account, creating an empty one when the ledger has entries
// for an order whose snapshot was never written.
func (r *repository) Halt(ctx context.Context, orderID uuid.UUID, at time.Time, reason string) error {
	account := models.EscrowAccount{
		OrderID:           orderID,
		State:             enums.EscrowStateNone,
		IntegrityHaltedAt: &at,
		IntegrityReason:   &reason,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"integrity_halted_at", "integrity_reason", "updated_at"}),
		}).
		Create(&account).Error
}

// ListActive pages through accounts that are not halted, ordered by order id.
func (r *repository) ListActive(ctx context.Context, after uuid.UUID, limit int) ([]models.EscrowAccount, error) {
	var accounts []models.EscrowAccount
	if err := r.db.WithContext(ctx).
		Where("integrity_halted_at IS NULL AND order_id > ?", after).
		Order("order_id ASC").
		Limit(limit).
		Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}
