package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// maxChainDepth bounds Dump on pathological wrap chains.
const maxChainDepth = 16

// ErrorDump is the log-only view of an error: every layer of the chain and,
// when Postgres is underneath, the server's diagnostic fields. It is never
// sent to clients.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Chain      []string `json:"chain,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGColumn     string `json:"pg_column,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
	PGMessage    string `json:"pg_message,omitempty"`
}

func Dump(err error) ErrorDump {
	var d ErrorDump
	if err == nil {
		return d
	}
	d.TopMessage = err.Error()
	if typed := As(err); typed != nil {
		d.Code = typed.Code()
	}
	for e, depth := err, 0; e != nil && depth < maxChainDepth; e, depth = stdErrors.Unwrap(e), depth+1 {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	d.fillPostgres(err)
	return d
}

// fillPostgres copies server diagnostics from whichever driver produced the
// error. pgx is tried first since gorm's postgres driver sits on it.
func (d *ErrorDump) fillPostgres(err error) {
	var pgErr *pgconn.PgError
	if stdErrors.As(err, &pgErr) {
		d.PGCode, d.PGMessage, d.PGDetail = pgErr.Code, pgErr.Message, pgErr.Detail
		d.PGTable, d.PGColumn, d.PGConstraint = pgErr.TableName, pgErr.ColumnName, pgErr.ConstraintName
		return
	}
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) {
		d.PGCode, d.PGMessage, d.PGDetail = string(pqErr.Code), pqErr.Message, pqErr.Detail
		d.PGTable, d.PGColumn, d.PGConstraint = pqErr.Table, pqErr.Column, pqErr.Constraint
	}
}
