package handlers

import (
	"net/http"

	"example.com/backstage/services/ingest/internal/models"
	"example.com/backstage/services/ingest/internal/pipeline"
	"example.com/backstage/services/ingest/internal/services"
	"example.com/backstage/services/ingest/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventsHandler handles event submission HTTP requests
type EventsHandler struct {
	ingestService *services.IngestService
	tracer        tracing.Tracer
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(ingestService *services.IngestService, tracer tracing.Tracer) *EventsHandler {
	return &EventsHandler{
		ingestService: ingestService,
		tracer:        tracer,
	}
}

// EventResult reports the outcome of a single submitted event.
type EventResult struct {
	EventID      uuid.UUID `json:"event_id"`
	StackID      uuid.UUID `json:"stack_id,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	IsNewStack   bool      `json:"is_new_stack,omitempty"`
	IsRegression bool      `json:"is_regression,omitempty"`
}

// EventBatchResponse is the response to an event batch submission.
type EventBatchResponse struct {
	Success   bool          `json:"success"`
	Processed int           `json:"processed"`
	Cancelled int           `json:"cancelled"`
	Failed    int           `json:"failed"`
	Results   []EventResult `json:"results"`
}

// HandleSubmitEvents accepts a batch of events for one project
func (h *EventsHandler) HandleSubmitEvents(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-submit-events")
	defer h.tracer.EndTransaction(txn)

	orgID, err := uuid.Parse(c.Param("organization_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid organization id"})
		return
	}
	projectID, err := uuid.Parse(c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	var events []*models.Event
	if err := c.ShouldBindJSON(&events); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}
	if len(events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event batch must not be empty"})
		return
	}

	h.tracer.AddAttribute(txn, "organization_id", orgID.String())
	h.tracer.AddAttribute(txn, "project_id", projectID.String())
	h.tracer.AddAttribute(txn, "event_count", len(events))

	contexts, err := h.ingestService.SubmitEvents(c.Request.Context(), orgID, projectID, events)
	if err != nil {
		h.tracer.RecordError(txn, err)
		switch {
		case errors.Is(err, services.ErrOrganizationSuspended):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
		default:
			log.Error().Err(err).Msg("Failed to submit events")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, buildBatchResponse(contexts))
}

func buildBatchResponse(contexts []*pipeline.EventContext) EventBatchResponse {
	resp := EventBatchResponse{Results: make([]EventResult, 0, len(contexts))}
	for _, ectx := range contexts {
		result := EventResult{
			EventID:      ectx.Event.ID,
			StackID:      ectx.Event.StackID,
			Error:        ectx.ErrorMessage,
			IsNewStack:   ectx.IsNew,
			IsRegression: ectx.IsRegression,
		}
		switch {
		case ectx.HasError():
			result.Status = "failed"
			resp.Failed++
		case ectx.IsCancelled:
			result.Status = "cancelled"
			resp.Cancelled++
		default:
			result.Status = "processed"
			resp.Processed++
		}
		resp.Results = append(resp.Results, result)
	}
	resp.Success = resp.Failed == 0
	return resp
}

// RegisterRoutes registers the handler's routes
func (h *EventsHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/api/v1/organizations/:organization_id/projects/:project_id/events", h.HandleSubmitEvents)
}
