package db

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

func TestQueryLoggerTrace(t *testing.T) {
	buf := &bytes.Buffer{}
	q := newQueryLogger(logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("debug"), Output: buf}), 100*time.Millisecond)
	stmt := func() (string, int64) { return "SELECT * FROM orders", 3 }
	ctx := context.Background()

	q.Trace(ctx, time.Now(), stmt, nil)
	q.Trace(ctx, time.Now(), stmt, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String(), "fast successful and not-found queries stay quiet")

	q.Trace(ctx, time.Now().Add(-time.Second), stmt, nil)
	assert.Contains(t, buf.String(), `"message":"slow query"`)
	assert.Contains(t, buf.String(), `"sql":"SELECT * FROM orders"`)

	buf.Reset()
	q.Trace(ctx, time.Now(), stmt, errors.New("relation does not exist"))
	assert.Contains(t, buf.String(), `"message":"query failed"`)

	buf.Reset()
	q.Trace(ctx, time.Now(), stmt, errors.New(`duplicate key value violates unique constraint "ux_outbox_dlq_event_id"`))
	assert.Contains(t, buf.String(), `"level":"debug"`)

	buf.Reset()
	q.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), stmt, errors.New("boom"))
	assert.Empty(t, buf.String())
}

func TestQueryLoggerWithoutLogger(t *testing.T) {
	assert.Equal(t, gormlogger.Discard, newQueryLogger(nil, time.Second))
}
