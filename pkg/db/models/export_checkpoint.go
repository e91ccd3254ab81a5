package models

import "time"

// ExportCheckpoint stores the last exported cursor for an append-only stream.
type ExportCheckpoint struct {
	Name      string    `gorm:"column:name;primaryKey"`
	Cursor    string    `gorm:"column:cursor;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
