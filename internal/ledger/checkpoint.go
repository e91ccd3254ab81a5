package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
)

// CheckpointRepository remembers how far an export stream has progressed.
type CheckpointRepository interface {
	Load(ctx context.Context, name string) (string, error)
	Save(ctx context.Context, name, cursor string) error
}

type checkpointRepository struct {
	db *gorm.DB
}

func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{db: db}
}

// Load returns "" when the stream has never been exported.
func (r *checkpointRepository) Load(ctx context.Context, name string) (string, error) {
	var checkpoint models.ExportCheckpoint
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return checkpoint.Cursor, nil
}

func (r *checkpointRepository) Save(ctx context.Context, name, cursor string) error {
	checkpoint := models.ExportCheckpoint{Name: name, Cursor: cursor, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
	}).Create(&checkpoint).Error
}
