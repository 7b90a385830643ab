package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/services"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

type publishEventItem struct {
	EventType *string         `json:"event_type"`
	Data      json.RawMessage `json:"data" binding:"required"`
}

type publishEventRequest struct {
	Topic             string             `json:"topic" binding:"required"`
	Events            []publishEventItem `json:"events" binding:"required,min=1"`
	Durable           bool               `json:"durable"`
	SourceExecutionID *uuid.UUID         `json:"source_execution_id"`
	RootExecutionID   *uuid.UUID         `json:"root_execution_id"`
}

// PublishEvent handles POST /events (§4.5).
func (h *Handler) PublishEvent(c *gin.Context) {
	var req publishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid publish request", err))
		return
	}

	items := make([]services.PublishEventItem, 0, len(req.Events))
	for _, it := range req.Events {
		items = append(items, services.PublishEventItem{EventType: it.EventType, Data: it.Data})
	}

	seqIDs, err := h.Events.Publish(c.Request.Context(), services.PublishRequest{
		ProjectID:         projectIDFromContext(c),
		Topic:             req.Topic,
		Events:            items,
		Durable:           req.Durable,
		SourceExecutionID: req.SourceExecutionID,
		RootExecutionID:   req.RootExecutionID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sequence_ids": seqIDs})
}

// GetEvents handles GET /events?topic=...&after_sequence_id=...&after_timestamp=....
func (h *Handler) GetEvents(c *gin.Context) {
	topic := c.Query("topic")
	if topic == "" {
		respondError(c, orcherrors.BadRequest("topic is required", nil))
		return
	}

	var lastSeq *int64
	if v := c.Query("after_sequence_id"); v != "" {
		var seq int64
		if _, err := fmt.Sscanf(v, "%d", &seq); err != nil {
			respondError(c, orcherrors.BadRequest("invalid after_sequence_id", err))
			return
		}
		lastSeq = &seq
	}

	var lastTS *time.Time
	if v := c.Query("after_timestamp"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(c, orcherrors.BadRequest("invalid after_timestamp", err))
			return
		}
		lastTS = &ts
	}

	events, err := h.Events.GetEvents(c.Request.Context(), projectIDFromContext(c), topic, lastSeq, lastTS, 100)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// streamFrames drives an SSE session over the given topic until the client
// disconnects or the bound execution (if any) fails; once the bound
// execution has completed the session keeps streaming at a slower poll.
func (h *Handler) streamFrames(c *gin.Context, topic string, boundExecution *uuid.UUID) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	session := h.Events.NewStreamSession(projectIDFromContext(c), topic, boundExecution, nil, nil)
	ctx := c.Request.Context()

	c.Stream(func(w gin.ResponseWriter) bool {
		frames, interval, err := session.Poll(ctx, h.Executions)
		if err != nil {
			c.SSEvent("error", gin.H{"error": err.Error()})
			return false
		}
		for _, f := range frames {
			switch {
			case f.Keepalive:
				c.SSEvent("keepalive", gin.H{})
			case f.Error != nil:
				c.SSEvent("error", gin.H{"error": *f.Error})
			case f.Event != nil:
				c.SSEvent("event", f.Event)
			}
			if f.Terminal {
				return false
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
			return true
		}
	})
}

// StreamExecutionEvents handles GET /executions/:id/events, an SSE stream
// bound to one execution's workflow topic that terminates when the
// execution fails; after the execution completes the stream stays open,
// polling every 200ms, until the client disconnects.
func (h *Handler) StreamExecutionEvents(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	topic := fmt.Sprintf("workflow:%s", id)
	h.streamFrames(c, topic, &id)
}

// StreamTopicEvents handles GET /events/stream?topic=..., an open-ended SSE
// stream over an arbitrary topic with no bound execution.
func (h *Handler) StreamTopicEvents(c *gin.Context) {
	topic := c.Query("topic")
	if topic == "" {
		respondError(c, orcherrors.BadRequest("topic is required", nil))
		return
	}
	h.streamFrames(c, topic, nil)
}

type submitApprovalRequest struct {
	Data json.RawMessage `json:"data" binding:"required"`
}

// ResolveApproval handles POST /approvals/:executionId/:stepKey/submit. This
// endpoint is deliberately unauthenticated (the approver has no
// orchestrator account); the execution id and step key together are the
// credential, handed out by the out-of-scope Slack/HTML presentation
// surfaces. An approval wait is an event wait under the hood: the worker
// suspends with topic `workflow/{workflow_id}/{execution_id}` and the
// orchestrator's wait machinery is watching for an event type of
// `resume_{step_key}` on that topic, so resolving an approval is just
// publishing that event.
func (h *Handler) ResolveApproval(c *gin.Context) {
	executionID, err := uuid.Parse(c.Param("executionId"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	stepKey := c.Param("stepKey")

	var req submitApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid approval response", err))
		return
	}

	projectID, err := h.Executions.ProjectIDForExecution(c.Request.Context(), executionID)
	if err != nil {
		respondError(c, err)
		return
	}

	exec, err := h.Executions.Get(c.Request.Context(), projectID, executionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if exec.Status != models.ExecutionWaiting {
		respondError(c, orcherrors.Conflict("execution is not awaiting approval"))
		return
	}

	eventType := fmt.Sprintf("resume_%s", stepKey)
	topic := fmt.Sprintf("workflow/%s/%s", exec.WorkflowID, executionID)
	_, err = h.Events.Publish(c.Request.Context(), services.PublishRequest{
		ProjectID: projectID,
		Topic:     topic,
		Events:    []services.PublishEventItem{{EventType: &eventType, Data: req.Data}},
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}
