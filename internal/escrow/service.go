package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/internal/ledger"
	dbpkg "github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/metrics"
	"github.com/angelmondragon/novamart-backend/pkg/outbox"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderLocker interface {
	LockTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
}

type ledgerStore interface {
	Append(ctx context.Context, tx *gorm.DB, input ledger.AppendInput) (*ledger.AppendResult, error)
	Lookup(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, key string) (*models.LedgerEntry, error)
	BalanceFor(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*ledger.Balance, error)
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service moves money in and out of per-order escrow. Every operation runs
// under the order row lock, appends exactly one ledger entry, and verifies
// the snapshot against the folded ledger before committing.
type Service interface {
	Hold(ctx context.Context, input Input) (*Result, error)
	HoldTx(ctx context.Context, tx *gorm.DB, input Input) (*Result, error)
	Freeze(ctx context.Context, input Input) (*Result, error)
	FreezeTx(ctx context.Context, tx *gorm.DB, input Input) (*Result, error)
	Unfreeze(ctx context.Context, input Input) (*Result, error)
	Release(ctx context.Context, input Input) (*Result, error)
	ReleaseTx(ctx context.Context, tx *gorm.DB, input Input) (*Result, error)
	Refund(ctx context.Context, input Input) (*Result, error)
	RefundTx(ctx context.Context, tx *gorm.DB, input Input) (*Result, error)
	Reconcile(ctx context.Context, orderID uuid.UUID) (*ReconcileReport, error)
	ReconcileBatch(ctx context.Context, after uuid.UUID, limit int) ([]ReconcileReport, error)
	Get(ctx context.Context, orderID uuid.UUID) (*models.EscrowAccount, error)
	GetTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.EscrowAccount, error)
	HaltOnIntegrity(ctx context.Context, orderID uuid.UUID, err error)
}

// Input addresses one escrow operation. Amount is ignored by freeze and unfreeze.
type Input struct {
	OrderID        uuid.UUID
	Amount         int64
	Actor          rbac.Actor
	IdempotencyKey string
}

// Result carries the account after the operation and the entry that recorded it.
// Entry is nil when the operation was a no-op.
type Result struct {
	Account  *models.EscrowAccount
	Entry    *models.LedgerEntry
	Replayed bool
}

// ReconcileReport compares an account snapshot with its folded ledger.
type ReconcileReport struct {
	OrderID    uuid.UUID      `json:"order_id"`
	Consistent bool           `json:"consistent"`
	Reason     string         `json:"reason,omitempty"`
	Balance    ledger.Balance `json:"balance"`
	Halted     bool           `json:"halted"`
}

type operation string

const (
	opHold     operation = "hold"
	opFreeze   operation = "freeze"
	opUnfreeze operation = "unfreeze"
	opRelease  operation = "release"
	opRefund   operation = "refund"
)

func (o operation) entryType() enums.LedgerEntryType {
	switch o {
	case opHold:
		return enums.LedgerEntryHold
	case opFreeze:
		return enums.LedgerEntryFreeze
	case opUnfreeze:
		return enums.LedgerEntryUnfreeze
	case opRelease:
		return enums.LedgerEntryRelease
	default:
		return enums.LedgerEntryRefund
	}
}

func (o operation) movesMoney() bool {
	return o == opHold || o == opRelease || o == opRefund
}

type service struct {
	repo    Repository
	tx      txRunner
	orders  orderLocker
	ledger  ledgerStore
	outbox  outboxPublisher
	logg    *logger.Logger
	metrics *metrics.EscrowMetrics
	now     func() time.Time
}

// Deps groups the collaborators of the escrow service.
type Deps struct {
	Repo    Repository
	Tx      txRunner
	Orders  orderLocker
	Ledger  ledgerStore
	Outbox  outboxPublisher
	Logger  *logger.Logger
	Metrics *metrics.EscrowMetrics
}

// NewService validates deps and builds the escrow controller.
func NewService(deps Deps) (Service, error) {
	switch {
	case deps.Repo == nil:
		return nil, fmt.Errorf("escrow repository required")
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Orders == nil:
		return nil, fmt.Errorf("order locker required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger store required")
	case deps.Outbox == nil:
		return nil, fmt.Errorf("outbox publisher required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:    deps.Repo,
		tx:      deps.Tx,
		orders:  deps.Orders,
		ledger:  deps.Ledger,
		outbox:  deps.Outbox,
		logg:    deps.Logger,
		metrics: deps.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Hold(ctx context.Context, input Input) (*Result, error) {
	return s.run(ctx, opHold, input)
}

func (s *service) HoldTx(ctx context.Context, tx *gorm.DB, input Input) (*Result, error) {
	return s.observe(opHold)(s.apply(ctx, tx, opHold, input))
}

func (s *service) Freeze(ctx context.Context, input Input) (*Result, error) {
	return s.run(ctx, opFreeze, input)
}

func (s *service) FreezeTx(ctx context.Context, tx *gorm.DB, input Input) (*Result, error) {
	return s.observe(opFreeze)(s.apply(ctx, tx, opFreeze, input))
}

// Unfreeze is an admin override returning a frozen account to its resting state.
func (s *service) Unfreeze(ctx context.Context, input Input) (*Result, error) {
	return s.run(ctx, opUnfreeze, input)
}

func (s *service) Release(ctx context.Context, input Input) (*Result, error) {
	return s.run(ctx, opRelease, input)
}

func (s *service) ReleaseTx(ctx context.Context, tx *gorm.DB, input Input) (*Result, error) {
	return s.observe(opRelease)(s.apply(ctx, tx, opRelease, input))
}

func (s *service) Refund(ctx context.Context, input Input) (*Result, error) {
	return s.run(ctx, opRefund, input)
}

func (s *service) RefundTx(ctx context.Context, tx *gorm.DB, input Input) (*Result, error) {
	return s.observe(opRefund)(s.apply(ctx, tx, opRefund, input))
}

func (s *service) run(ctx context.Context, op operation, input Input) (*Result, error) {
	var result *Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.apply(ctx, tx, op, input)
		return err
	})
	result, err = s.observe(op)(result, err)
	if err != nil {
		s.HaltOnIntegrity(ctx, input.OrderID, err)
		return nil, err
	}
	return result, nil
}

func (s *service) observe(op operation) func(*Result, error) (*Result, error) {
	return func(result *Result, err error) (*Result, error) {
		switch {
		case err != nil:
			outcome := string(pkgerrors.CodeInternal)
			if typed := pkgerrors.As(err); typed != nil {
				outcome = string(typed.Code())
			}
			s.metrics.IncOperation(string(op), outcome)
		case result.Replayed:
			s.metrics.IncOperation(string(op), "replayed")
		default:
			s.metrics.IncOperation(string(op), "ok")
		}
		return result, err
	}
}

func (s *service) apply(ctx context.Context, tx *gorm.DB, op operation, input Input) (*Result, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	if err := input.Actor.Validate(); err != nil {
		return nil, err
	}
	if op.movesMoney() && input.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive").
			WithDetails(map[string]any{"amount": input.Amount})
	}
	if err := authorize(op, input.Actor); err != nil {
		return nil, err
	}

	order, err := s.orders.LockTx(ctx, tx, input.OrderID)
	if err != nil {
		return nil, err
	}
	repo := s.repo.WithTx(tx)
	current, err := repo.Find(ctx, order.ID)
	if err != nil {
		return nil, dbpkg.WrapError(err, "load escrow account")
	}
	exists := current != nil
	if !exists {
		current = &models.EscrowAccount{OrderID: order.ID, State: enums.EscrowStateNone}
	}
	if current.Halted() {
		return nil, pkgerrors.New(pkgerrors.CodeIntegrity, "escrow account is halted pending review").
			WithDetails(map[string]any{"order_id": order.ID, "halted_at": current.IntegrityHaltedAt})
	}

	prior, err := s.ledger.Lookup(ctx, tx, order.ID, key)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.Type != op.entryType() || (op.movesMoney() && prior.Amount != input.Amount) {
			return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key already used for a different escrow operation").
				WithDetails(map[string]any{"idempotency_key": key, "existing_type": prior.Type})
		}
		return &Result{Account: current, Entry: prior, Replayed: true}, nil
	}

	next, noop, err := plan(op, *order, *current, input.Amount, input.Actor)
	if err != nil {
		return nil, err
	}
	if noop {
		return &Result{Account: current}, nil
	}
	if op == opHold {
		next.HoldKey = &key
	}

	amount := input.Amount
	if !op.movesMoney() {
		amount = 0
	}
	appended, err := s.ledger.Append(ctx, tx, ledger.AppendInput{
		OrderID:        order.ID,
		Type:           op.entryType(),
		Amount:         amount,
		ActorID:        input.Actor.ID,
		ActorRole:      input.Actor.Role,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}

	if exists {
		swapped, err := repo.CompareAndSwap(ctx, &next, current.Version)
		if err != nil {
			return nil, dbpkg.WrapError(err, "update escrow account")
		}
		if !swapped {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "escrow account changed concurrently")
		}
	} else {
		next.Version = 1
		if err := repo.Create(ctx, &next); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return nil, pkgerrors.New(pkgerrors.CodeAlreadyHeld, "escrow already held for order")
			}
			return nil, dbpkg.WrapError(err, "create escrow account")
		}
	}

	if err := s.verify(ctx, tx, next); err != nil {
		return nil, err
	}
	return &Result{Account: &next, Entry: appended.Entry}, nil
}

func authorize(op operation, actor rbac.Actor) error {
	switch op {
	case opRelease:
		return rbac.Authorize(actor, rbac.PermEscrowRelease)
	case opRefund:
		return rbac.Authorize(actor, rbac.PermEscrowRefund)
	case opUnfreeze:
		return rbac.Authorize(actor, rbac.PermEscrowFreeze)
	}
	return nil
}

// plan computes the account after op, or reports a no-op.
func plan(op operation, order models.Order, account models.EscrowAccount, amount int64, actor rbac.Actor) (models.EscrowAccount, bool, error) {
	next := account
	switch op {
	case opHold:
		if account.State != enums.EscrowStateNone {
			return next, false, pkgerrors.New(pkgerrors.CodeAlreadyHeld, "escrow already held for order").
				WithDetails(map[string]any{"state": account.State})
		}
		if order.Status.IsTerminal() {
			return next, false, pkgerrors.New(pkgerrors.CodeInvalidTransition, "cannot hold funds for a closed order").
				WithDetails(map[string]any{"order_status": order.Status})
		}
		if amount != order.TotalAmount {
			return next, false, pkgerrors.New(pkgerrors.CodeValidation, "hold amount must equal the order total").
				WithDetails(map[string]any{"amount": amount, "order_total": order.TotalAmount})
		}
		next.HeldAmount = amount
		next.State = enums.EscrowStateHeld

	case opFreeze:
		switch {
		case account.State == enums.EscrowStateFrozen:
			return next, true, nil
		case account.State == enums.EscrowStateHeld,
			account.State == enums.EscrowStatePartiallyReleased && account.LiveAmount() > 0:
			next.State = enums.EscrowStateFrozen
		default:
			return next, false, invalidState("cannot freeze escrow", account.State)
		}

	case opUnfreeze:
		if account.State != enums.EscrowStateFrozen {
			return next, false, invalidState("cannot unfreeze escrow", account.State)
		}
		next.State = restingState(account)

	case opRelease, opRefund:
		if !account.State.CanDisburse() {
			return next, false, invalidState("cannot "+string(op)+" escrow", account.State)
		}
		if op == opRelease && account.State == enums.EscrowStateFrozen && !actor.IsAdmin() {
			return next, false, pkgerrors.New(pkgerrors.CodeInvalidTransition, "cannot release: dispute open")
		}
		live := account.LiveAmount()
		if amount > live {
			return next, false, pkgerrors.New(pkgerrors.CodeInsufficientBalance, "amount exceeds live escrow balance").
				WithDetails(map[string]any{"amount": amount, "live": live})
		}
		if op == opRelease {
			next.ReleasedAmount += amount
		} else {
			next.RefundedAmount += amount
		}
		next.State = afterDisbursement(op, account.State, next)
	}
	return next, false, nil
}

func restingState(account models.EscrowAccount) enums.EscrowState {
	if account.ReleasedAmount > 0 {
		return enums.EscrowStatePartiallyReleased
	}
	return enums.EscrowStateHeld
}

func afterDisbursement(op operation, prev enums.EscrowState, next models.EscrowAccount) enums.EscrowState {
	if next.LiveAmount() == 0 {
		switch {
		case next.RefundedAmount == 0:
			return enums.EscrowStateReleased
		case next.ReleasedAmount == 0:
			return enums.EscrowStateRefunded
		default:
			return enums.EscrowStatePartiallyReleased
		}
	}
	if prev == enums.EscrowStateFrozen {
		return prev
	}
	if op == opRelease {
		return enums.EscrowStatePartiallyReleased
	}
	return prev
}

func invalidState(message string, state enums.EscrowState) error {
	return pkgerrors.New(pkgerrors.CodeInvalidTransition, message).
		WithDetails(map[string]any{"state": state})
}

// verify folds the ledger and compares it with the account about to commit.
func (s *service) verify(ctx context.Context, tx *gorm.DB, account models.EscrowAccount) error {
	balance, err := s.ledger.BalanceFor(ctx, tx, account.OrderID)
	if err != nil {
		return err
	}
	if reason := mismatch(*balance, &account); reason != "" {
		return integrityError(account.OrderID, reason)
	}
	return nil
}

func mismatch(balance ledger.Balance, account *models.EscrowAccount) string {
	if account == nil {
		if balance.EntryCount > 0 {
			return "ledger entries without escrow account"
		}
		return ""
	}
	switch {
	case !balance.Consistent():
		return fmt.Sprintf("ledger disburses more than held: live=%d", balance.Live)
	case !balance.Matches(*account):
		return fmt.Sprintf("snapshot held/released/refunded %d/%d/%d differs from ledger %d/%d/%d",
			account.HeldAmount, account.ReleasedAmount, account.RefundedAmount,
			balance.Held, balance.Released, balance.Refunded)
	case balance.Live > 0 && balance.Frozen != (account.State == enums.EscrowStateFrozen):
		return fmt.Sprintf("freeze marker %t disagrees with state %s", balance.Frozen, account.State)
	}
	return ""
}

func integrityError(orderID uuid.UUID, reason string) error {
	return pkgerrors.New(pkgerrors.CodeIntegrity, "escrow ledger mismatch").
		WithDetails(map[string]any{"order_id": orderID, "reason": reason})
}

// HaltOnIntegrity stamps the account after a fresh ledger mismatch. The
// failed transaction has already rolled back, so the stamp runs on its own.
func (s *service) HaltOnIntegrity(ctx context.Context, orderID uuid.UUID, err error) {
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeIntegrity {
		return
	}
	details, _ := typed.Details().(map[string]any)
	reason, _ := details["reason"].(string)
	if reason == "" {
		return
	}
	if haltErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.halt(ctx, tx, orderID, reason)
	}); haltErr != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, orderID.String()), "escrow.halt_failed", haltErr)
	}
}

func (s *service) halt(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, reason string) error {
	if err := s.repo.WithTx(tx).Halt(ctx, orderID, s.now(), reason); err != nil {
		return dbpkg.WrapError(err, "halt escrow account")
	}
	if err := s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventEscrowIntegrityHalt,
		AggregateType: enums.AggregateEscrow,
		AggregateID:   orderID,
		Actor:         &outbox.ActorRef{ActorID: rbac.SystemActorID, Role: enums.ActorRoleSystem},
		Data:          payloads.EscrowIntegrityHaltedEvent{OrderID: orderID, Reason: reason},
	}); err != nil {
		return err
	}
	s.metrics.IncHalt()
	logCtx := s.logg.WithFields(ctx, map[string]any{"order_id": orderID.String(), "reason": reason})
	s.logg.Error(logCtx, "escrow.integrity_halted", nil)
	return nil
}

// Reconcile re-folds the ledger for one order and halts the account on mismatch.
func (s *service) Reconcile(ctx context.Context, orderID uuid.UUID) (*ReconcileReport, error) {
	var report *ReconcileReport
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := s.orders.LockTx(ctx, tx, orderID); err != nil {
			return err
		}
		account, err := s.repo.WithTx(tx).Find(ctx, orderID)
		if err != nil {
			return dbpkg.WrapError(err, "load escrow account")
		}
		balance, err := s.ledger.BalanceFor(ctx, tx, orderID)
		if err != nil {
			return err
		}
		report = &ReconcileReport{OrderID: orderID, Balance: *balance, Consistent: true}
		if account != nil && account.Halted() {
			report.Halted = true
			if account.IntegrityReason != nil {
				report.Reason = *account.IntegrityReason
			}
			report.Consistent = false
			return nil
		}
		if reason := mismatch(*balance, account); reason != "" {
			report.Consistent = false
			report.Reason = reason
			report.Halted = true
			return s.halt(ctx, tx, orderID, reason)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ReconcileBatch reconciles up to limit active accounts after the given order id.
func (s *service) ReconcileBatch(ctx context.Context, after uuid.UUID, limit int) ([]ReconcileReport, error) {
	accounts, err := s.repo.ListActive(ctx, after, limit)
	if err != nil {
		return nil, dbpkg.WrapError(err, "list escrow accounts")
	}
	reports := make([]ReconcileReport, 0, len(accounts))
	for _, account := range accounts {
		report, err := s.Reconcile(ctx, account.OrderID)
		if err != nil {
			return reports, err
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

func (s *service) Get(ctx context.Context, orderID uuid.UUID) (*models.EscrowAccount, error) {
	return s.GetTx(ctx, nil, orderID)
}

func (s *service) GetTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.EscrowAccount, error) {
	account, err := s.repo.WithTx(tx).Find(ctx, orderID)
	if err != nil {
		return nil, dbpkg.WrapError(err, "load escrow account")
	}
	if account == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "escrow account not found")
	}
	return account, nil
}
