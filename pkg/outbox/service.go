package outbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

var errNoTx = errors.New("transaction required")

// Service is the write side of the outbox. It never opens its own
// transaction: events commit or roll back with the caller's.
type Service struct {
	repo *Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	row, err := s.prepare(tx, event)
	if err != nil {
		return err
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return dbpkg.WrapError(err, "insert outbox event")
	}
	s.queued(ctx, row)
	return nil
}

// EmitIfNotExists writes event only when the aggregate has never emitted an
// event of that type. A concurrent writer that wins the one-shot unique
// index turns this insert into a no-op.
func (s *Service) EmitIfNotExists(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	row, err := s.prepare(tx, event)
	if err != nil {
		return err
	}
	exists, err := s.repo.ExistsTx(tx, event.EventType, event.AggregateType, event.AggregateID)
	if err != nil {
		return dbpkg.WrapError(err, "check outbox event")
	}
	if exists {
		return nil
	}
	inserted, err := s.repo.InsertOnce(tx, row)
	if err != nil {
		return dbpkg.WrapError(err, "insert outbox event")
	}
	if inserted {
		s.queued(ctx, row)
	}
	return nil
}

func (s *Service) prepare(tx *gorm.DB, event DomainEvent) (models.OutboxEvent, error) {
	if tx == nil {
		return models.OutboxEvent{}, errNoTx
	}
	if err := event.validate(); err != nil {
		return models.OutboxEvent{}, err
	}
	return event.row(s.now())
}

func (s *Service) queued(ctx context.Context, row models.OutboxEvent) {
	if s.logg == nil {
		return
	}
	s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
		"event_id":       row.ID.String(),
		"event_type":     row.EventType,
		"aggregate_type": row.AggregateType,
		"aggregate_id":   row.AggregateID.String(),
	}), "outbox event queued")
}
