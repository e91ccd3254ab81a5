package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/types"
)

const (
	requestIDHeader = "X-Request-Id"

	// seconds a client should wait before retrying a retryable failure
	retryAfterSeconds = 2
)

// fallbackBody is sent when the real payload cannot be encoded.
var fallbackBody = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"internal server error"}}` + "\n")

// publicMessageCodes are the codes whose own message is safe to show; the
// rest fall back to the generic text from the error metadata.
var publicMessageCodes = map[pkgerrors.Code]struct{}{
	pkgerrors.CodeValidation:          {},
	pkgerrors.CodeForbidden:           {},
	pkgerrors.CodeUnauthorized:        {},
	pkgerrors.CodeNotFound:            {},
	pkgerrors.CodeConflict:            {},
	pkgerrors.CodeIdempotency:         {},
	pkgerrors.CodeInvalidTransition:   {},
	pkgerrors.CodeAlreadyHeld:         {},
	pkgerrors.CodeInsufficientBalance: {},
	pkgerrors.CodeDisputeOpen:         {},
}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, types.SuccessEnvelope{Data: data})
}

// WriteError maps err onto its public envelope and status. Untyped errors
// become INTERNAL_ERROR. Client errors are logged at warn, server errors at
// error with the full chain.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}

	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}
	meta := pkgerrors.MetadataFor(typed.Code())

	apiErr := types.APIError{
		Code:      string(typed.Code()),
		Message:   meta.PublicMessage,
		Retryable: meta.Retryable,
		RequestID: w.Header().Get(requestIDHeader),
	}
	if _, ok := publicMessageCodes[typed.Code()]; ok && typed.Message() != "" {
		apiErr.Message = typed.Message()
	}
	if meta.DetailsAllowed {
		apiErr.Details = typed.Details()
	}

	if meta.Retryable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	if logg != nil {
		logFailure(ctx, logg, meta.HTTPStatus, typed, err)
	}
	writeJSON(w, meta.HTTPStatus, types.ErrorEnvelope{Error: apiErr})
}

func logFailure(ctx context.Context, logg *logger.Logger, status int, typed *pkgerrors.Error, err error) {
	dump := pkgerrors.Dump(err)
	fields := map[string]any{
		"error_code": dump.Code,
		"status":     status,
	}
	if dump.PGCode != "" {
		fields["pg_code"] = dump.PGCode
		fields["pg_constraint"] = dump.PGConstraint
		fields["pg_table"] = dump.PGTable
		fields["pg_detail"] = dump.PGDetail
	}
	if dm, ok := typed.Details().(map[string]any); ok {
		if step, ok := dm["step"]; ok {
			fields["step"] = step
		}
	}

	if status < http.StatusInternalServerError {
		fields["error"] = dump.TopMessage
		logg.Warn(logg.WithFields(ctx, fields), "request rejected")
		return
	}
	fields["error_chain"] = dump.Chain
	logg.Error(logg.WithFields(ctx, fields), "request failed", err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var buf bytes.Buffer
	body := fallbackBody
	if err := json.NewEncoder(&buf).Encode(payload); err == nil {
		body = buf.Bytes()
	} else {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
