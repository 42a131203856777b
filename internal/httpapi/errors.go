package httpapi

import (
	"errors"
	"net/http"

	"model_optimizer/internal/abtest"
	"model_optimizer/internal/cost"
	"model_optimizer/internal/models"
	"model_optimizer/internal/queue"
	"model_optimizer/internal/registry"
	"model_optimizer/internal/router"
	"model_optimizer/internal/storage"
	"model_optimizer/internal/tracker"
	"model_optimizer/internal/utils"
)

// Machine-readable error codes returned alongside the message
const (
	CodeInvalidRequest  = "invalid_request"
	CodeNotFound        = "not_found"
	CodeStaleHandle     = "stale_handle"
	CodeAlreadyScored   = "already_scored"
	CodeConflict        = "conflict"
	CodeNoEligibleModel = "no_eligible_model"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal_error"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{tracker.ErrStaleHandle, http.StatusGone, CodeStaleHandle},
	{tracker.ErrAlreadyScored, http.StatusConflict, CodeAlreadyScored},

	{registry.ErrModelNotFound, http.StatusNotFound, CodeNotFound},
	{tracker.ErrRecordNotFound, http.StatusNotFound, CodeNotFound},
	{abtest.ErrTestNotFound, http.StatusNotFound, CodeNotFound},
	{abtest.ErrAssignmentNotFound, http.StatusNotFound, CodeNotFound},
	{queue.ErrItemNotFound, http.StatusNotFound, CodeNotFound},
	{storage.ErrCatalogNotFound, http.StatusNotFound, CodeNotFound},

	{abtest.ErrTestConflict, http.StatusConflict, CodeConflict},
	{abtest.ErrTestNotRunning, http.StatusConflict, CodeConflict},

	{router.ErrNoEligibleModel, http.StatusUnprocessableEntity, CodeNoEligibleModel},

	{tracker.ErrInvalidFeedback, http.StatusBadRequest, CodeInvalidRequest},
	{models.ErrUnknownTaskType, http.StatusBadRequest, CodeInvalidRequest},
	{models.ErrInvalidModel, http.StatusBadRequest, CodeInvalidRequest},
	{router.ErrUnknownStrategy, http.StatusBadRequest, CodeInvalidRequest},
	{abtest.ErrInvalidTrafficSplit, http.StatusBadRequest, CodeInvalidRequest},
	{abtest.ErrIneligibleVariant, http.StatusBadRequest, CodeInvalidRequest},
	{abtest.ErrInvalidTest, http.StatusBadRequest, CodeInvalidRequest},
	{registry.ErrInvalidSnapshot, http.StatusBadRequest, CodeInvalidRequest},
	{registry.ErrDuplicateModel, http.StatusBadRequest, CodeInvalidRequest},
	{cost.ErrInvalidProjection, http.StatusBadRequest, CodeInvalidRequest},

	{storage.ErrDLQNotConfigured, http.StatusServiceUnavailable, CodeUnavailable},
}

// statusFor maps a service error onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// respondWithServiceError writes err with the status its sentinel maps to.
// Unmapped errors are logged and reported without detail.
func respondWithServiceError(w http.ResponseWriter, logger *utils.Logger, op string, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("Request failed", "operation", op, "error", err)
		utils.RespondWithErrorCode(w, status, code, "Internal server error")
		return
	}
	utils.RespondWithErrorCode(w, status, code, err.Error())
}
