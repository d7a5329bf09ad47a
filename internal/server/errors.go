package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	allocationdomain "github.com/sunpool/sunpool/internal/allocation/domain"
	auditdomain "github.com/sunpool/sunpool/internal/audit/domain"
	billingdomain "github.com/sunpool/sunpool/internal/billing/domain"
	expirationdomain "github.com/sunpool/sunpool/internal/expiration/domain"
	ledgerdomain "github.com/sunpool/sunpool/internal/ledger/domain"
	"github.com/sunpool/sunpool/internal/month"
	plantdomain "github.com/sunpool/sunpool/internal/plant/domain"
	reconciliationdomain "github.com/sunpool/sunpool/internal/reconciliation/domain"
	subscriberdomain "github.com/sunpool/sunpool/internal/subscriber/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: strings.ReplaceAll(code, "_", " "),
				},
			},
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, ErrInternal):
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, month.ErrInvalidMonth),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, plantdomain.ErrInvalidName),
		errors.Is(err, plantdomain.ErrInvalidGeneration),
		errors.Is(err, subscriberdomain.ErrInvalidName),
		errors.Is(err, subscriberdomain.ErrInvalidEmail),
		errors.Is(err, subscriberdomain.ErrInvalidWeight),
		errors.Is(err, subscriberdomain.ErrInvalidDiscount),
		errors.Is(err, subscriberdomain.ErrInvalidStatus),
		errors.Is(err, reconciliationdomain.ErrInvalidReadout),
		errors.Is(err, expirationdomain.ErrInvalidWindow):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, plantdomain.ErrPlantNotFound),
		errors.Is(err, plantdomain.ErrGenerationNotFound),
		errors.Is(err, subscriberdomain.ErrSubscriberNotFound),
		errors.Is(err, billingdomain.ErrInvoiceNotFound),
		errors.Is(err, ledgerdomain.ErrBalanceNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// isConflictError covers business-rule rejections: the request is well formed
// but the current state refuses it.
func isConflictError(err error) bool {
	switch {
	case errors.Is(err, allocationdomain.ErrDuplicateAllocation),
		errors.Is(err, allocationdomain.ErrRunInProgress),
		errors.Is(err, allocationdomain.ErrInvalidPlantState),
		errors.Is(err, allocationdomain.ErrNoGeneration),
		errors.Is(err, plantdomain.ErrGenerationFrozen),
		errors.Is(err, billingdomain.ErrStaleInvoice),
		errors.Is(err, billingdomain.ErrNothingToInvoice),
		errors.Is(err, billingdomain.ErrInvalidInvoiceState),
		errors.Is(err, ledgerdomain.ErrInsufficientBalance),
		errors.Is(err, ledgerdomain.ErrLedgerIntegrity),
		errors.Is(err, reconciliationdomain.ErrNotAllocated):
		return true
	default:
		return false
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}
