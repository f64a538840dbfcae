package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, detailsOK: true},
		{code: CodeNotFound, status: http.StatusNotFound},
		{code: CodeConflict, status: http.StatusConflict},
		{code: CodeStateConflict, status: http.StatusUnprocessableEntity, detailsOK: true},
		{code: CodeInternal, status: http.StatusInternalServerError, retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, retryable: true, detailsOK: true},
		{code: CodeConcurrencyConflict, status: http.StatusConflict, retryable: true, detailsOK: true},
		{code: CodeUnknownEventType, status: http.StatusInternalServerError, detailsOK: true},
		{code: CodeTransportFailure, status: http.StatusServiceUnavailable, retryable: true},
		{code: CodeTimeoutExceeded, status: http.StatusGatewayTimeout, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
		if meta.PublicMessage == "" {
			t.Fatalf("code %s missing public message", tt.code)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("unique violation")
	err := Wrap(CodeConcurrencyConflict, cause, "expected version 2")

	assert.True(t, stdErrors.Is(err, cause))
	assert.Equal(t, CodeConcurrencyConflict, err.Code())
	assert.Contains(t, err.Error(), "expected version 2")
}

func TestIsCodeWalksWrappedChain(t *testing.T) {
	inner := New(CodeUnknownEventType, "user.Teleported")
	outer := fmt.Errorf("replay user: %w", Wrap(CodeInternal, inner, "replay failed"))

	assert.True(t, IsCode(outer, CodeUnknownEventType))
	assert.True(t, IsCode(outer, CodeInternal))
	assert.False(t, IsCode(outer, CodeConcurrencyConflict))
	assert.False(t, IsCode(stdErrors.New("plain"), CodeInternal))
	assert.False(t, IsCode(nil, CodeInternal))
}

func TestDumpCapturesPgDetails(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "ux_events_aggregate_version", TableName: "events"}
	err := Wrap(CodeConcurrencyConflict, pgErr, "append")

	dump := Dump(err)
	require.Equal(t, CodeConcurrencyConflict, dump.Code)
	assert.True(t, dump.Retryable)
	require.NotNil(t, dump.Postgres)
	assert.Equal(t, "ux_events_aggregate_version", dump.Postgres.Constraint)
	assert.Len(t, dump.Chain, 2)

	fields := dump.Fields()
	assert.Equal(t, "unique_violation", fields["pg_condition"])
	assert.Equal(t, "events", fields["pg_table"])
	assert.NotContains(t, fields, "pg_detail")
}

func TestDumpOfPlainErrorHasNoCodeOrPostgres(t *testing.T) {
	dump := Dump(fmt.Errorf("claim batch: %w", stdErrors.New("connection reset")))
	assert.Empty(t, dump.Code)
	assert.Nil(t, dump.Postgres)
	assert.Len(t, dump.Chain, 2)
	assert.NotContains(t, dump.Fields(), "error_code")
	assert.Equal(t, ErrorDump{}, Dump(nil))
}

func TestIsRetryableFollowsOutermostCode(t *testing.T) {
	assert.True(t, IsRetryable(New(CodeTransportFailure, "broker down")))
	assert.False(t, IsRetryable(Wrap(CodeValidation, New(CodeDependency, "redis"), "bad body")))
	assert.True(t, IsRetryable(stdErrors.New("untyped")))
	assert.False(t, IsRetryable(nil))
}
