package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// PGDetails is the part of a Postgres error worth logging. gorm's postgres
// driver returns pgconn errors; lib/pq shows up through goose.
type PGDetails struct {
	Code       string `json:"pg_code"`
	Constraint string `json:"pg_constraint,omitempty"`
	Table      string `json:"pg_table,omitempty"`
	Detail     string `json:"pg_detail,omitempty"`
	Message    string `json:"pg_message,omitempty"`
}

// Condition names the SQLSTATEs the event store, outbox and saga store
// react to. Other codes are returned as-is.
func (p PGDetails) Condition() string {
	switch p.Code {
	case "23505":
		return "unique_violation"
	case "23503":
		return "foreign_key_violation"
	case "40001":
		return "serialization_failure"
	case "40P01":
		return "deadlock_detected"
	case "55P03":
		return "lock_not_available"
	case "57014":
		return "query_canceled"
	}
	return p.Code
}

// ErrorDump flattens an error chain for structured logs.
type ErrorDump struct {
	Message   string
	Code      Code
	Retryable bool
	Chain     []string
	Postgres  *PGDetails
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}
	d := ErrorDump{Message: err.Error(), Postgres: postgresDetails(err)}
	if typed := As(err); typed != nil {
		d.Code = typed.Code()
		d.Retryable = IsRetryable(typed)
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	return d
}

func postgresDetails(err error) *PGDetails {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &PGDetails{
			Code:       pgErr.Code,
			Constraint: pgErr.ConstraintName,
			Table:      pgErr.TableName,
			Detail:     pgErr.Detail,
			Message:    pgErr.Message,
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &PGDetails{
			Code:       string(pqErr.Code),
			Constraint: pqErr.Constraint,
			Table:      pqErr.Table,
			Detail:     pqErr.Detail,
			Message:    pqErr.Message,
		}
	}
	return nil
}

// Fields renders the dump as logger fields.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{
		"error":       d.Message,
		"error_chain": d.Chain,
	}
	if d.Code != "" {
		fields["error_code"] = d.Code
		fields["retryable"] = d.Retryable
	}
	if pg := d.Postgres; pg != nil {
		fields["pg_code"] = pg.Code
		fields["pg_condition"] = pg.Condition()
		if pg.Constraint != "" {
			fields["pg_constraint"] = pg.Constraint
		}
		if pg.Table != "" {
			fields["pg_table"] = pg.Table
		}
		if pg.Detail != "" {
			fields["pg_detail"] = pg.Detail
		}
	}
	return fields
}
