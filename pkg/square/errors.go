package square

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	sq "github.com/square/square-go-sdk"
	sqcore "github.com/square/square-go-sdk/core"

	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
)

const (
	categoryPaymentMethod = "PAYMENT_METHOD_ERROR"
	categoryRateLimit     = "RATE_LIMIT_ERROR"
)

// apiFailure is a Square API error with its JSON error list decoded.
type apiFailure struct {
	status int
	errs   []*sq.Error
}

func inspect(err error) (apiFailure, bool) {
	var apiErr *sqcore.APIError
	if !errors.As(err, &apiErr) || apiErr == nil {
		return apiFailure{}, false
	}
	f := apiFailure{status: apiErr.StatusCode}
	if inner := apiErr.Unwrap(); inner != nil {
		var body struct {
			Errors []*sq.Error `json:"errors"`
		}
		if json.Unmarshal([]byte(strings.TrimSpace(inner.Error())), &body) == nil {
			for _, e := range body.Errors {
				if e != nil {
					f.errs = append(f.errs, e)
				}
			}
		}
	}
	return f, true
}

// declineCode reports the Square code when err is a payment method rejection
// such as a card decline.
func declineCode(err error) (string, bool) {
	f, ok := inspect(err)
	if !ok {
		return "", false
	}
	for _, e := range f.errs {
		if string(e.Category) == categoryPaymentMethod {
			return string(e.Code), true
		}
	}
	return "", false
}

func (f apiFailure) code() pkgerrors.Code {
	for _, e := range f.errs {
		switch {
		case e.Code == sq.ErrorCodeIdempotencyKeyReused:
			return pkgerrors.CodeIdempotency
		case e.Category == sq.ErrorCategoryAuthenticationError, string(e.Category) == categoryRateLimit:
			// our credentials or quota, not the caller's request
			return pkgerrors.CodeDependency
		}
	}
	switch f.status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return pkgerrors.CodeValidation
	case http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case http.StatusConflict:
		return pkgerrors.CodeConflict
	default:
		return pkgerrors.CodeDependency
	}
}

// mapSquareError wraps a gateway failure in an engine error. Transport
// failures and unexpected statuses surface as retryable dependency errors.
func mapSquareError(err error, op string) error {
	if err == nil {
		return nil
	}
	code := pkgerrors.CodeDependency
	if f, ok := inspect(err); ok {
		code = f.code()
	}
	return pkgerrors.Wrap(code, err, "square "+op+" failed")
}
