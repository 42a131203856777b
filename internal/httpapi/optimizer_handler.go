package httpapi

import (
	"net/http"
	"strings"
	"time"

	"model_optimizer/internal/models"
	"model_optimizer/internal/optimizer"
	"model_optimizer/internal/quality"
	"model_optimizer/internal/router"
	"model_optimizer/internal/tracker"
	"model_optimizer/internal/utils"
)

// OptimizerHandler serves the routing and execution telemetry endpoints
type OptimizerHandler struct {
	svc    *optimizer.Service
	logger *utils.Logger
}

// NewOptimizerHandler creates a new optimizer handler
func NewOptimizerHandler(svc *optimizer.Service) *OptimizerHandler {
	return &OptimizerHandler{
		svc:    svc,
		logger: utils.NewLogger("httpapi"),
	}
}

// BeginExecutionRequest represents the request to start tracking a model call
type BeginExecutionRequest struct {
	ModelID   string          `json:"model_id"`
	TaskType  models.TaskType `json:"task_type"`
	ABTestID  string          `json:"ab_test_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// BeginExecutionResponse carries the opaque execution handle
type BeginExecutionResponse struct {
	Handle string `json:"handle"`
}

// CompleteExecutionRequest reports the measured cost inputs and output of a call
type CompleteExecutionRequest struct {
	InputUnits  int     `json:"input_units"`
	OutputUnits int     `json:"output_units"`
	LatencyMs   float64 `json:"latency_ms"`
	Output      string  `json:"output,omitempty"`
}

// Select handles POST /v1/select - Pick a model for a task
func (h *OptimizerHandler) Select(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if req.TaskType == "" {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "task_type is required")
		return
	}

	decision, err := h.svc.SelectModel(r.Context(), req)
	if err != nil {
		respondWithServiceError(w, h.logger, "select_model", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, decision)
}

// BeginExecution handles POST /v1/executions - Start tracking a model call
func (h *OptimizerHandler) BeginExecution(w http.ResponseWriter, r *http.Request) {
	var req BeginExecutionRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ModelID) == "" {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "model_id is required")
		return
	}

	var opts []tracker.BeginOption
	switch {
	case req.ABTestID != "":
		if req.RequestID == "" {
			utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "request_id is required with ab_test_id")
			return
		}
		opts = append(opts, tracker.WithABTest(req.ABTestID, req.RequestID))
	case req.RequestID != "":
		opts = append(opts, tracker.WithRequestID(req.RequestID))
	}

	handle, err := h.svc.BeginExecution(r.Context(), req.ModelID, req.TaskType, opts...)
	if err != nil {
		respondWithServiceError(w, h.logger, "begin_execution", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, BeginExecutionResponse{Handle: handle})
}

// CompleteExecution handles POST /v1/executions/{handle}/complete
func (h *OptimizerHandler) CompleteExecution(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")

	var req CompleteExecutionRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if req.InputUnits < 0 || req.OutputUnits < 0 || req.LatencyMs < 0 {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "units and latency must be >= 0")
		return
	}

	rec, err := h.svc.CompleteExecution(r.Context(), handle, tracker.Completion{
		InputUnits:  req.InputUnits,
		OutputUnits: req.OutputUnits,
		Latency:     time.Duration(req.LatencyMs * float64(time.Millisecond)),
		Output:      req.Output,
	})
	if err != nil {
		respondWithServiceError(w, h.logger, "complete_execution", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, rec)
}

// SubmitFeedback handles POST /v1/executions/{id}/feedback
func (h *OptimizerHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var fb quality.Feedback
	if err := utils.DecodeJSON(r, &fb); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	rec, err := h.svc.SubmitFeedback(r.Context(), id, fb)
	if err != nil {
		respondWithServiceError(w, h.logger, "submit_feedback", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, rec)
}

// Dashboard handles GET /v1/dashboard?task_type= - Per-model stats and experiments
func (h *OptimizerHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	task := models.TaskType(r.URL.Query().Get("task_type"))

	d, err := h.svc.GetDashboardStats(r.Context(), task)
	if err != nil {
		respondWithServiceError(w, h.logger, "get_dashboard_stats", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, d)
}
