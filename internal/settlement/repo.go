package settlement

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

// Repository persists settlement timers. One timer exists per order.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Find(ctx context.Context, orderID uuid.UUID) (*models.SettlementTimer, error)
	Upsert(ctx context.Context, timer *models.SettlementTimer) error
	Cancel(ctx context.Context, orderID uuid.UUID, reason enums.SettlementSkipReason) (bool, error)
	ListDue(ctx context.Context, now, claimCutoff time.Time, maxAttempts, limit int) ([]models.SettlementTimer, error)
	Claim(ctx context.Context, orderID, token uuid.UUID, now, claimCutoff time.Time) (bool, error)
	MarkFired(ctx context.Context, orderID, token uuid.UUID, at time.Time) error
	ReleaseClaim(ctx context.Context, orderID, token uuid.UUID, lastError string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository binds a settlement repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Find(ctx context.Context, orderID uuid.UUID) (*models.SettlementTimer, error) {
	var timer models.SettlementTimer
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&timer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &timer, nil
}

// Upsert re-arms the order's timer, clearing any previous cancellation or claim.
func (r *repository) Upsert(ctx context.Context, timer *models.SettlementTimer) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"armed_at", "fire_at", "cancelled", "skip_reason",
				"claim_token", "claimed_at", "attempts", "last_error", "updated_at",
			}),
		}).
		Create(timer).Error
}

// Cancel retires an unfired timer. It reports whether a row changed.
func (r *repository) Cancel(ctx context.Context, orderID uuid.UUID, reason enums.SettlementSkipReason) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SettlementTimer{}).
		Where("order_id = ? AND fired_at IS NULL AND cancelled = ?", orderID, false).
		Updates(map[string]any{
			"cancelled":   true,
			"skip_reason": reason,
			"claim_token": nil,
			"claimed_at":  nil,
		})
	return res.RowsAffected > 0, res.Error
}

// ListDue selects timers ready to fire whose claim is absent or stale.
func (r *repository) ListDue(ctx context.Context, now, claimCutoff time.Time, maxAttempts, limit int) ([]models.SettlementTimer, error) {
	var timers []models.SettlementTimer
	query := r.db.WithContext(ctx).
		Where("fire_at <= ? AND cancelled = ? AND fired_at IS NULL", now, false).
		Where("(claim_token IS NULL OR claimed_at < ?)", claimCutoff)
	if maxAttempts > 0 {
		query = query.Where("attempts < ?", maxAttempts)
	}
	if err := query.
		Order("fire_at ASC").
		Limit(limit).
		Find(&timers).Error; err != nil {
		return nil, err
	}
	return timers, nil
}

// Claim takes ownership of a due timer with a conditional update. Exactly one
// sweeper wins; the others observe zero affected rows.
func (r *repository) Claim(ctx context.Context, orderID, token uuid.UUID, now, claimCutoff time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SettlementTimer{}).
		Where("order_id = ? AND cancelled = ? AND fired_at IS NULL AND fire_at <= ?", orderID, false, now).
		Where("(claim_token IS NULL OR claimed_at < ?)", claimCutoff).
		Updates(map[string]any{"claim_token": token, "claimed_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) MarkFired(ctx context.Context, orderID, token uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.SettlementTimer{}).
		Where("order_id = ? AND claim_token = ?", orderID, token).
		Updates(map[string]any{"fired_at": at, "last_error": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errClaimLost
	}
	return nil
}

// ReleaseClaim hands the timer back to the next sweep after a failed attempt.
func (r *repository) ReleaseClaim(ctx context.Context, orderID, token uuid.UUID, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&models.SettlementTimer{}).
		Where("order_id = ? AND claim_token = ?", orderID, token).
		Updates(map[string]any{
			"claim_token": nil,
			"claimed_at":  nil,
			"attempts":    gorm.Expr("attempts + 1"),
			"last_error":  lastError,
		}).Error
}

var errClaimLost = errors.New("settlement claim lost")
