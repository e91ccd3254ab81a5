package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/orders"
	dbpkg "github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/metrics"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderService interface {
	LockTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, input orders.TransitionInput) (*orders.TransitionResult, error)
}

type escrowService interface {
	GetTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.EscrowAccount, error)
	ReleaseTx(ctx context.Context, tx *gorm.DB, input escrow.Input) (*escrow.Result, error)
	HaltOnIntegrity(ctx context.Context, orderID uuid.UUID, err error)
}

// Service arms and fires the delayed auto-release of delivered orders.
type Service interface {
	Arm(ctx context.Context, orderID uuid.UUID, graceWindow time.Duration) (*models.SettlementTimer, error)
	ArmTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, graceWindow time.Duration) (*models.SettlementTimer, error)
	Cancel(ctx context.Context, orderID uuid.UUID, reason enums.SettlementSkipReason) error
	CancelTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, reason enums.SettlementSkipReason) error
	Tick(ctx context.Context) (*TickResult, error)
	Get(ctx context.Context, orderID uuid.UUID) (*models.SettlementTimer, error)
}

// Options tunes the sweep.
type Options struct {
	ClaimTTL       time.Duration
	BatchSize      int
	MaxConcurrency int
	MaxAttempts    int
}

// TickResult counts the outcome of one sweep.
type TickResult struct {
	Due     int `json:"due"`
	Fired   int `json:"fired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type outcome int

const (
	outcomeFired outcome = iota
	outcomeSkipped
	outcomeFailed
)

// Deps groups the collaborators of the scheduler.
type Deps struct {
	Repo    Repository
	Tx      txRunner
	Orders  orderService
	Escrow  escrowService
	Logger  *logger.Logger
	Metrics *metrics.SettlementMetrics
	Options Options
}

type service struct {
	repo    Repository
	tx      txRunner
	orders  orderService
	escrow  escrowService
	logg    *logger.Logger
	metrics *metrics.SettlementMetrics
	opts    Options
	now     func() time.Time
}

// NewService validates deps and applies option defaults.
func NewService(deps Deps) (Service, error) {
	switch {
	case deps.Repo == nil:
		return nil, fmt.Errorf("settlement repository required")
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Orders == nil:
		return nil, fmt.Errorf("order service required")
	case deps.Escrow == nil:
		return nil, fmt.Errorf("escrow service required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	opts := deps.Options
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	return &service{
		repo:    deps.Repo,
		tx:      deps.Tx,
		orders:  deps.Orders,
		escrow:  deps.Escrow,
		logg:    deps.Logger,
		metrics: deps.Metrics,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Arm(ctx context.Context, orderID uuid.UUID, graceWindow time.Duration) (*models.SettlementTimer, error) {
	var timer *models.SettlementTimer
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		timer, err = s.ArmTx(ctx, tx, orderID, graceWindow)
		return err
	})
	if err != nil {
		return nil, err
	}
	return timer, nil
}

// ArmTx schedules release at now + graceWindow, replacing any unfired timer.
// A timer that already fired is returned unchanged.
func (s *service) ArmTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, graceWindow time.Duration) (*models.SettlementTimer, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if graceWindow <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "grace window must be positive").
			WithDetails(map[string]any{"grace_window": graceWindow.String()})
	}
	repo := s.repo.WithTx(tx)
	existing, err := repo.Find(ctx, orderID)
	if err != nil {
		return nil, dbpkg.WrapError(err, "load settlement timer")
	}
	if existing != nil && existing.Fired() {
		return existing, nil
	}

	now := s.now()
	timer := &models.SettlementTimer{
		OrderID: orderID,
		ArmedAt: now,
		FireAt:  now.Add(graceWindow),
	}
	if err := repo.Upsert(ctx, timer); err != nil {
		return nil, dbpkg.WrapError(err, "arm settlement timer")
	}
	return timer, nil
}

func (s *service) Cancel(ctx context.Context, orderID uuid.UUID, reason enums.SettlementSkipReason) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.CancelTx(ctx, tx, orderID, reason)
	})
}

// CancelTx retires the order's timer. Missing and fired timers are left alone.
func (s *service) CancelTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, reason enums.SettlementSkipReason) error {
	if !reason.IsValid() {
		reason = enums.SettlementSkipCancelled
	}
	if _, err := s.repo.WithTx(tx).Cancel(ctx, orderID, reason); err != nil {
		return dbpkg.WrapError(err, "cancel settlement timer")
	}
	return nil
}

func (s *service) Get(ctx context.Context, orderID uuid.UUID) (*models.SettlementTimer, error) {
	timer, err := s.repo.Find(ctx, orderID)
	if err != nil {
		return nil, dbpkg.WrapError(err, "load settlement timer")
	}
	if timer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "settlement timer not found")
	}
	return timer, nil
}

// Tick fires every due timer once. Individual failures are collected and do
// not stop the rest of the batch.
func (s *service) Tick(ctx context.Context) (*TickResult, error) {
	now := s.now()
	cutoff := now.Add(-s.opts.ClaimTTL)
	due, err := s.repo.ListDue(ctx, now, cutoff, s.opts.MaxAttempts, s.opts.BatchSize)
	if err != nil {
		return nil, dbpkg.WrapError(err, "list due settlement timers")
	}
	s.metrics.SetDue(len(due))

	result := &TickResult{Due: len(due)}
	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxConcurrency)
	for _, timer := range due {
		g.Go(func() error {
			out, err := s.fire(gctx, timer, now, cutoff)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeFired:
				result.Fired++
			case outcomeSkipped:
				result.Skipped++
			default:
				result.Failed++
				errs = multierr.Append(errs, fmt.Errorf("order %s: %w", timer.OrderID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.AddOutcome("fired", result.Fired)
	s.metrics.AddOutcome("skipped", result.Skipped)
	s.metrics.AddOutcome("failed", result.Failed)
	return result, errs
}

func (s *service) fire(ctx context.Context, timer models.SettlementTimer, now, cutoff time.Time) (outcome, error) {
	logCtx := s.logg.WithOrderID(ctx, timer.OrderID.String())
	token := uuid.New()
	claimed, err := s.repo.Claim(ctx, timer.OrderID, token, now, cutoff)
	if err != nil {
		return outcomeFailed, dbpkg.WrapError(err, "claim settlement timer")
	}
	if !claimed {
		return outcomeSkipped, nil
	}

	var out outcome
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.settle(logCtx, tx, timer, token, now)
		return err
	})
	if err == nil {
		return out, nil
	}

	s.escrow.HaltOnIntegrity(ctx, timer.OrderID, err)
	if releaseErr := s.repo.ReleaseClaim(ctx, timer.OrderID, token, err.Error()); releaseErr != nil {
		err = multierr.Append(err, releaseErr)
	}
	if pkgerrors.IsRetryable(err) {
		s.logg.Warn(logCtx, "settlement.fire_retry")
	} else {
		s.logg.Error(logCtx, "settlement.fire_failed", err)
	}
	return outcomeFailed, err
}

func (s *service) settle(ctx context.Context, tx *gorm.DB, timer models.SettlementTimer, token uuid.UUID, now time.Time) (outcome, error) {
	order, err := s.orders.LockTx(ctx, tx, timer.OrderID)
	if err != nil {
		return outcomeFailed, err
	}
	repo := s.repo.WithTx(tx)
	current, err := repo.Find(ctx, timer.OrderID)
	if err != nil {
		return outcomeFailed, dbpkg.WrapError(err, "reload settlement timer")
	}
	if current == nil || current.Cancelled || current.Fired() || current.ClaimToken == nil || *current.ClaimToken != token {
		return outcomeSkipped, nil
	}

	account, err := s.escrow.GetTx(ctx, tx, order.ID)
	if err != nil && !pkgerrors.Is(err, pkgerrors.CodeNotFound) {
		return outcomeFailed, err
	}
	if reason, skip := skipReason(order, account); skip {
		if _, err := repo.Cancel(ctx, order.ID, reason); err != nil {
			return outcomeFailed, dbpkg.WrapError(err, "cancel settlement timer")
		}
		s.logg.Warn(s.logg.WithField(ctx, "skip_reason", string(reason)), "settlement.timer_skipped")
		return outcomeSkipped, nil
	}

	if _, err := s.escrow.ReleaseTx(ctx, tx, escrow.Input{
		OrderID:        order.ID,
		Amount:         account.LiveAmount(),
		Actor:          rbac.System(),
		IdempotencyKey: Key(order.ID, current.FireAt),
	}); err != nil {
		return outcomeFailed, err
	}
	if _, err := s.orders.TransitionTx(ctx, tx, orders.TransitionInput{
		OrderID: order.ID,
		Event:   enums.OrderEventFundsReleased,
		Actor:   rbac.System(),
	}); err != nil {
		return outcomeFailed, err
	}
	if err := repo.MarkFired(ctx, order.ID, token, now); err != nil {
		if errors.Is(err, errClaimLost) {
			return outcomeFailed, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "settlement timer reclaimed during fire")
		}
		return outcomeFailed, dbpkg.WrapError(err, "mark settlement timer fired")
	}
	s.logg.Info(s.logg.WithField(ctx, "amount", account.LiveAmount()), "settlement.fired")
	return outcomeFired, nil
}

func skipReason(order *models.Order, account *models.EscrowAccount) (enums.SettlementSkipReason, bool) {
	switch {
	case account != nil && account.State == enums.EscrowStateFrozen:
		return enums.SettlementSkipEscrowFrozen, true
	case order.Status != enums.OrderStatusDelivered:
		return enums.SettlementSkipOrderNotReady, true
	case account == nil || account.LiveAmount() <= 0:
		return enums.SettlementSkipNothingLive, true
	}
	return "", false
}

// Key is the idempotency key for the auto-release of one armed timer.
func Key(orderID uuid.UUID, fireAt time.Time) string {
	return fmt.Sprintf("settlement:%s:%d", orderID, fireAt.Unix())
}
