package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
)

// Service records and folds escrow ledger entries.
type Service interface {
	Append(ctx context.Context, tx *gorm.DB, input AppendInput) (*AppendResult, error)
	Lookup(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, key string) (*models.LedgerEntry, error)
	BalanceFor(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*Balance, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID, params pagination.Params) (*EntryPage, error)
	ExportBatch(ctx context.Context, after *pagination.Cursor, limit int) ([]models.LedgerEntry, error)
}

type service struct {
	repo Repository
}

// AppendInput captures the immutable data a ledger entry requires.
type AppendInput struct {
	OrderID        uuid.UUID             `json:"order_id"`
	Type           enums.LedgerEntryType `json:"type"`
	Amount         int64                 `json:"amount"`
	ActorID        uuid.UUID             `json:"actor_id"`
	ActorRole      enums.ActorRole       `json:"actor_role"`
	IdempotencyKey string                `json:"idempotency_key"`
}

// AppendResult reports the persisted entry and whether it already existed.
type AppendResult struct {
	Entry    *models.LedgerEntry
	Replayed bool
}

// EntryPage is a cursor page of entries in sequence order.
type EntryPage struct {
	Entries    []models.LedgerEntry `json:"entries"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

// Append writes the next entry for an order. Callers serialize appends per
// order; a replayed idempotency key returns the stored entry untouched.
func (s *service) Append(ctx context.Context, tx *gorm.DB, input AppendInput) (*AppendResult, error) {
	input.IdempotencyKey = strings.TrimSpace(input.IdempotencyKey)
	if err := validateAppend(input); err != nil {
		return nil, err
	}
	repo := s.repo.WithTx(tx)

	exists, err := repo.OrderExists(ctx, input.OrderID)
	if err != nil {
		return nil, dbpkg.WrapError(err, "lookup order")
	}
	if !exists {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown order").
			WithDetails(map[string]any{"order_id": input.OrderID})
	}

	prior, err := repo.FindByKey(ctx, input.OrderID, input.IdempotencyKey)
	if err != nil {
		return nil, dbpkg.WrapError(err, "lookup ledger entry")
	}
	if prior != nil {
		if prior.Type != input.Type || prior.Amount != input.Amount {
			return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key already used for a different ledger entry").
				WithDetails(map[string]any{
					"idempotency_key": input.IdempotencyKey,
					"existing_type":   prior.Type,
					"existing_amount": prior.Amount,
				})
		}
		return &AppendResult{Entry: prior, Replayed: true}, nil
	}

	last, err := repo.LastSequence(ctx, input.OrderID)
	if err != nil {
		return nil, dbpkg.WrapError(err, "read ledger sequence")
	}

	entry := &models.LedgerEntry{
		OrderID:        input.OrderID,
		Sequence:       last + 1,
		Type:           input.Type,
		Amount:         input.Amount,
		ActorID:        input.ActorID,
		ActorRole:      input.ActorRole,
		IdempotencyKey: input.IdempotencyKey,
	}
	if err := repo.Create(ctx, entry); err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "concurrent ledger append for order")
		}
		return nil, dbpkg.WrapError(err, "append ledger entry")
	}
	return &AppendResult{Entry: entry}, nil
}

func validateAppend(input AppendInput) error {
	switch {
	case input.OrderID == uuid.Nil:
		return pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	case input.IdempotencyKey == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	case !input.Type.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid ledger entry type").
			WithDetails(map[string]any{"type": input.Type})
	case input.ActorID == uuid.Nil || !input.ActorRole.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "ledger entries require an actor")
	case input.Amount < 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must not be negative").
			WithDetails(map[string]any{"amount": input.Amount})
	case input.Type.IsMarker() && input.Amount != 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "freeze and unfreeze entries carry no amount").
			WithDetails(map[string]any{"type": input.Type, "amount": input.Amount})
	case !input.Type.IsMarker() && input.Amount == 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive").
			WithDetails(map[string]any{"type": input.Type})
	}
	return nil
}

// Lookup returns the entry stored under key, or nil when the key is unused.
func (s *service) Lookup(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, key string) (*models.LedgerEntry, error) {
	entry, err := s.repo.WithTx(tx).FindByKey(ctx, orderID, strings.TrimSpace(key))
	if err != nil {
		return nil, dbpkg.WrapError(err, "lookup ledger entry")
	}
	return entry, nil
}

// BalanceFor recomputes the balance by folding every entry in sequence order.
func (s *service) BalanceFor(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*Balance, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	entries, err := s.repo.WithTx(tx).ListByOrderID(ctx, orderID)
	if err != nil {
		return nil, dbpkg.WrapError(err, "list ledger entries")
	}
	balance := Fold(entries)
	return &balance, nil
}

func (s *service) ListByOrder(ctx context.Context, orderID uuid.UUID, params pagination.Params) (*EntryPage, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	after, err := pagination.ParseSequenceCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(params.Limit)
	entries, err := s.repo.ListAfterSequence(ctx, orderID, after, pagination.LimitWithBuffer(limit))
	if err != nil {
		return nil, dbpkg.WrapError(err, "list ledger entries")
	}
	page := &EntryPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextCursor = pagination.EncodeSequenceCursor(page.Entries[limit-1].Sequence)
	}
	return page, nil
}

func (s *service) ExportBatch(ctx context.Context, after *pagination.Cursor, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	entries, err := s.repo.ListCreatedAfter(ctx, after, limit)
	if err != nil {
		return nil, dbpkg.WrapError(err, "list ledger entries for export")
	}
	return entries, nil
}
