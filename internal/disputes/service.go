package disputes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/orders"
	dbpkg "github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/outbox"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderService interface {
	Get(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	LockTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, input orders.TransitionInput) (*orders.TransitionResult, error)
}

type escrowService interface {
	GetTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.EscrowAccount, error)
	FreezeTx(ctx context.Context, tx *gorm.DB, input escrow.Input) (*escrow.Result, error)
	ReleaseTx(ctx context.Context, tx *gorm.DB, input escrow.Input) (*escrow.Result, error)
	RefundTx(ctx context.Context, tx *gorm.DB, input escrow.Input) (*escrow.Result, error)
	HaltOnIntegrity(ctx context.Context, orderID uuid.UUID, err error)
}

type timerCanceller interface {
	CancelTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, reason enums.SettlementSkipReason) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service mediates disputes between buyer and seller while escrow is frozen.
type Service interface {
	Raise(ctx context.Context, input RaiseInput) (*models.Dispute, error)
	StartReview(ctx context.Context, disputeID uuid.UUID, actor rbac.Actor) (*models.Dispute, error)
	AddEvidence(ctx context.Context, input EvidenceInput) (*models.DisputeEvidence, error)
	Resolve(ctx context.Context, input ResolveInput) (*models.Dispute, error)
	Get(ctx context.Context, disputeID uuid.UUID, actor rbac.Actor) (*models.Dispute, error)
	List(ctx context.Context, filters ListFilters, params pagination.Params) (*DisputeList, error)
}

// Deps groups the collaborators of the mediator.
type Deps struct {
	Repo       Repository
	Tx         txRunner
	Orders     orderService
	Escrow     escrowService
	Settlement timerCanceller
	Outbox     outboxPublisher
	Logger     *logger.Logger
}

type service struct {
	repo       Repository
	tx         txRunner
	orders     orderService
	escrow     escrowService
	settlement timerCanceller
	outbox     outboxPublisher
	logg       *logger.Logger
	now        func() time.Time
}

// NewService validates deps and builds the mediator.
func NewService(deps Deps) (Service, error) {
	switch {
	case deps.Repo == nil:
		return nil, fmt.Errorf("dispute repository required")
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Orders == nil:
		return nil, fmt.Errorf("order service required")
	case deps.Escrow == nil:
		return nil, fmt.Errorf("escrow service required")
	case deps.Settlement == nil:
		return nil, fmt.Errorf("settlement scheduler required")
	case deps.Outbox == nil:
		return nil, fmt.Errorf("outbox publisher required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:       deps.Repo,
		tx:         deps.Tx,
		orders:     deps.Orders,
		escrow:     deps.Escrow,
		settlement: deps.Settlement,
		outbox:     deps.Outbox,
		logg:       deps.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// FreezeKey, RefundKey and ReleaseKey derive the escrow idempotency keys a
// dispute uses, so a retried resolution never moves money twice.
func FreezeKey(disputeID uuid.UUID) string { return "dispute:" + disputeID.String() + ":freeze" }
func RefundKey(disputeID uuid.UUID) string { return "dispute:" + disputeID.String() + ":refund" }
func ReleaseKey(disputeID uuid.UUID) string { return "dispute:" + disputeID.String() + ":release" }

// Raise freezes escrow, moves the order to DISPUTED, retires the settlement
// timer and records the dispute in one transaction.
func (s *service) Raise(ctx context.Context, input RaiseInput) (*models.Dispute, error) {
	if err := rbac.Authorize(input.Actor, rbac.PermDisputeRaise); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute reason is required")
	}
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}

	dispute := &models.Dispute{
		ID:           uuid.New(),
		OrderID:      input.OrderID,
		RaisedByID:   input.Actor.ID,
		RaisedByRole: input.Actor.Role,
		Reason:       reason,
		Status:       enums.DisputeStatusOpen,
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.LockTx(ctx, tx, input.OrderID)
		if err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		open, err := repo.FindOpenByOrder(ctx, order.ID)
		if err != nil {
			return dbpkg.WrapError(err, "load open dispute")
		}
		if open != nil {
			return pkgerrors.New(pkgerrors.CodeDisputeOpen, "a dispute is already open for this order").
				WithDetails(map[string]any{"dispute_id": open.ID})
		}
		if !order.Status.AllowsDispute() {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "order is not eligible for a dispute").
				WithDetails(map[string]any{"order_status": order.Status})
		}
		if !input.Actor.Role.CanRaiseDispute() || !orders.IsParty(*order, input.Actor) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only a party to the order may raise a dispute")
		}

		frozen, err := s.escrow.FreezeTx(ctx, tx, escrow.Input{
			OrderID:        order.ID,
			Actor:          input.Actor,
			IdempotencyKey: FreezeKey(dispute.ID),
		})
		if err != nil {
			return err
		}
		dispute.FrozenAmount = frozen.Account.LiveAmount()
		if err := repo.Create(ctx, dispute); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return pkgerrors.New(pkgerrors.CodeDisputeOpen, "a dispute is already open for this order")
			}
			return dbpkg.WrapError(err, "create dispute")
		}
		if _, err := s.orders.TransitionTx(ctx, tx, orders.TransitionInput{
			OrderID:   order.ID,
			Event:     enums.OrderEventDisputeRaised,
			DisputeID: &dispute.ID,
			Actor:     input.Actor,
		}); err != nil {
			return err
		}
		if err := s.settlement.CancelTx(ctx, tx, order.ID, enums.SettlementSkipDisputeRaised); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDisputeRaised,
			AggregateType: enums.AggregateDispute,
			AggregateID:   dispute.ID,
			Actor:         actorRef(input.Actor),
			Data: payloads.DisputeRaisedEvent{
				DisputeID:    dispute.ID,
				OrderID:      order.ID,
				RaisedByID:   input.Actor.ID,
				RaisedByRole: input.Actor.Role,
				Reason:       reason,
				FrozenAmount: dispute.FrozenAmount,
			},
		})
	})
	if err != nil {
		s.escrow.HaltOnIntegrity(ctx, input.OrderID, err)
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"order_id":   dispute.OrderID.String(),
		"dispute_id": dispute.ID.String(),
	}), "dispute.raised")
	return dispute, nil
}

// StartReview moves an OPEN dispute to UNDER_REVIEW.
func (s *service) StartReview(ctx context.Context, disputeID uuid.UUID, actor rbac.Actor) (*models.Dispute, error) {
	if err := rbac.Authorize(actor, rbac.PermDisputeReview); err != nil {
		return nil, err
	}
	var dispute *models.Dispute
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		dispute, err = s.lock(ctx, repo, disputeID)
		if err != nil {
			return err
		}
		switch dispute.Status {
		case enums.DisputeStatusResolved:
			return alreadyResolved(dispute.ID)
		case enums.DisputeStatusUnderReview:
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "dispute is already under review")
		}
		now := s.now()
		if err := repo.Update(ctx, dispute.ID, map[string]any{
			"status":      enums.DisputeStatusUnderReview,
			"reviewer_id": actor.ID,
			"reviewed_at": now,
		}); err != nil {
			return dbpkg.WrapError(err, "start dispute review")
		}
		dispute.Status = enums.DisputeStatusUnderReview
		dispute.ReviewerID = &actor.ID
		dispute.ReviewedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

func (s *service) AddEvidence(ctx context.Context, input EvidenceInput) (*models.DisputeEvidence, error) {
	if err := rbac.Authorize(input.Actor, rbac.PermDisputeEvidence); err != nil {
		return nil, err
	}
	reference := strings.TrimSpace(input.Reference)
	if reference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "evidence reference is required")
	}

	evidence := &models.DisputeEvidence{
		DisputeID:   input.DisputeID,
		SubmittedBy: input.Actor.ID,
		Role:        input.Actor.Role,
		Reference:   reference,
		Note:        input.Note,
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := s.find(ctx, repo, input.DisputeID)
		if err != nil {
			return err
		}
		order, err := s.orders.LockTx(ctx, tx, current.OrderID)
		if err != nil {
			return err
		}
		dispute, err := s.lock(ctx, repo, input.DisputeID)
		if err != nil {
			return err
		}
		if !dispute.Status.AcceptsEvidence() {
			return alreadyResolved(dispute.ID)
		}
		if !orders.IsParty(*order, input.Actor) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only parties to the order may submit evidence")
		}
		if err := repo.CreateEvidence(ctx, evidence); err != nil {
			return dbpkg.WrapError(err, "create dispute evidence")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evidence, nil
}

// Resolve disburses the frozen escrow per the admin decision and closes both
// the dispute and the order. SPLIT amounts must add up to the frozen amount,
// and the escrow must still hold exactly that amount.
func (s *service) Resolve(ctx context.Context, input ResolveInput) (*models.Dispute, error) {
	if err := rbac.Authorize(input.Actor, rbac.PermDisputeResolve); err != nil {
		return nil, err
	}
	if !input.Resolution.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown dispute resolution").
			WithDetails(map[string]any{"resolution": input.Resolution})
	}

	var (
		dispute *models.Dispute
		orderID uuid.UUID
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := s.find(ctx, repo, input.DisputeID)
		if err != nil {
			return err
		}
		orderID = current.OrderID
		if _, err := s.orders.LockTx(ctx, tx, current.OrderID); err != nil {
			return err
		}
		dispute, err = s.lock(ctx, repo, input.DisputeID)
		if err != nil {
			return err
		}
		switch dispute.Status {
		case enums.DisputeStatusResolved:
			return alreadyResolved(dispute.ID)
		case enums.DisputeStatusOpen:
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "dispute must be under review before it can be resolved")
		}

		account, err := s.escrow.GetTx(ctx, tx, dispute.OrderID)
		if err != nil {
			return err
		}
		if live := account.LiveAmount(); live <= 0 || live != dispute.FrozenAmount {
			// escrow moved outside the dispute; ops must reconcile by hand
			return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "escrow no longer holds the disputed amount").
				WithDetails(map[string]any{
					"frozen_amount": dispute.FrozenAmount,
					"live_amount":   live,
					"escrow_state":  account.State,
				})
		}
		toBuyer, toSeller, err := Split(input.Resolution, dispute.FrozenAmount, input.AmountToBuyer, input.AmountToSeller)
		if err != nil {
			return err
		}

		if toBuyer > 0 {
			if _, err := s.escrow.RefundTx(ctx, tx, escrow.Input{
				OrderID:        dispute.OrderID,
				Amount:         toBuyer,
				Actor:          input.Actor,
				IdempotencyKey: RefundKey(dispute.ID),
			}); err != nil {
				return err
			}
		}
		if toSeller > 0 {
			if _, err := s.escrow.ReleaseTx(ctx, tx, escrow.Input{
				OrderID:        dispute.OrderID,
				Amount:         toSeller,
				Actor:          input.Actor,
				IdempotencyKey: ReleaseKey(dispute.ID),
			}); err != nil {
				return err
			}
		}

		resolution := input.Resolution
		transitioned, err := s.orders.TransitionTx(ctx, tx, orders.TransitionInput{
			OrderID:    dispute.OrderID,
			Event:      enums.OrderEventDisputeResolved,
			Resolution: &resolution,
			DisputeID:  &dispute.ID,
			Actor:      input.Actor,
		})
		if err != nil {
			return err
		}

		now := s.now()
		if err := repo.Update(ctx, dispute.ID, map[string]any{
			"status":           enums.DisputeStatusResolved,
			"resolution":       resolution,
			"amount_to_buyer":  toBuyer,
			"amount_to_seller": toSeller,
			"resolved_by":      input.Actor.ID,
			"resolved_at":      now,
		}); err != nil {
			return dbpkg.WrapError(err, "resolve dispute")
		}
		dispute.Status = enums.DisputeStatusResolved
		dispute.Resolution = &resolution
		dispute.AmountToBuyer = toBuyer
		dispute.AmountToSeller = toSeller
		dispute.ResolvedBy = &input.Actor.ID
		dispute.ResolvedAt = &now

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDisputeResolved,
			AggregateType: enums.AggregateDispute,
			AggregateID:   dispute.ID,
			Actor:         actorRef(input.Actor),
			OccurredAt:    now,
			Data: payloads.DisputeResolvedEvent{
				DisputeID:      dispute.ID,
				OrderID:        dispute.OrderID,
				Resolution:     resolution,
				AmountToBuyer:  toBuyer,
				AmountToSeller: toSeller,
				ResolvedBy:     input.Actor.ID,
				OrderStatus:    transitioned.To,
			},
		})
	})
	if err != nil {
		if orderID != uuid.Nil {
			s.escrow.HaltOnIntegrity(ctx, orderID, err)
		}
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"order_id":   dispute.OrderID.String(),
		"dispute_id": dispute.ID.String(),
		"resolution": string(*dispute.Resolution),
	}), "dispute.resolved")
	return dispute, nil
}

// Split returns the refund and release legs for a resolution over live cents.
func Split(resolution enums.DisputeResolution, live, toBuyer, toSeller int64) (int64, int64, error) {
	switch resolution {
	case enums.DisputeResolutionRefundBuyer:
		return live, 0, nil
	case enums.DisputeResolutionReleaseSeller:
		return 0, live, nil
	case enums.DisputeResolutionSplit:
		if toBuyer < 0 || toSeller < 0 {
			return 0, 0, pkgerrors.New(pkgerrors.CodeValidation, "split amounts must not be negative")
		}
		if toBuyer+toSeller != live {
			return 0, 0, pkgerrors.New(pkgerrors.CodeValidation, "split amounts must add up to the frozen amount").
				WithDetails(map[string]any{
					"amount_to_buyer":  toBuyer,
					"amount_to_seller": toSeller,
					"frozen_amount":    live,
				})
		}
		return toBuyer, toSeller, nil
	}
	return 0, 0, pkgerrors.New(pkgerrors.CodeValidation, "unknown dispute resolution")
}

func (s *service) Get(ctx context.Context, disputeID uuid.UUID, actor rbac.Actor) (*models.Dispute, error) {
	if err := rbac.Authorize(actor, rbac.PermDisputeRead); err != nil {
		return nil, err
	}
	dispute, err := s.find(ctx, s.repo, disputeID)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() {
		return dispute, nil
	}
	if _, err := s.orders.Get(ctx, dispute.OrderID, actor); err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dispute not found")
		}
		return nil, err
	}
	return dispute, nil
}

func (s *service) List(ctx context.Context, filters ListFilters, params pagination.Params) (*DisputeList, error) {
	if filters.Status != nil && !filters.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(params.Limit)
	rows, err := s.repo.List(ctx, filters, cursor, pagination.LimitWithBuffer(limit))
	if err != nil {
		return nil, dbpkg.WrapError(err, "list disputes")
	}
	list := &DisputeList{Disputes: make([]DisputeDTO, 0, len(rows))}
	rows, last := pagination.Split(rows, limit)
	if last != nil {
		list.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	for _, row := range rows {
		list.Disputes = append(list.Disputes, ToDTO(row))
	}
	return list, nil
}

func (s *service) find(ctx context.Context, repo Repository, id uuid.UUID) (*models.Dispute, error) {
	dispute, err := repo.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dispute not found")
	}
	if err != nil {
		return nil, dbpkg.WrapError(err, "load dispute")
	}
	return dispute, nil
}

func (s *service) lock(ctx context.Context, repo Repository, id uuid.UUID) (*models.Dispute, error) {
	dispute, err := repo.LockByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dispute not found")
	}
	if err != nil {
		return nil, dbpkg.WrapError(err, "lock dispute")
	}
	return dispute, nil
}

func alreadyResolved(id uuid.UUID) error {
	return pkgerrors.New(pkgerrors.CodeInvalidTransition, "dispute already resolved").
		WithDetails(map[string]any{"dispute_id": id})
}

func actorRef(actor rbac.Actor) *outbox.ActorRef {
	return &outbox.ActorRef{ActorID: actor.ID, Role: actor.Role}
}
