package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gm-agent-org/kode/pkg/api/dto"
	"github.com/gm-agent-org/kode/pkg/api/service"
	"github.com/gm-agent-org/kode/pkg/runtime/broker"
)

// ConversationHandler handles conversation-related requests.
type ConversationHandler struct {
	svc *service.ConversationService
}

// NewConversationHandler creates a new ConversationHandler.
func NewConversationHandler(svc *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

// Create starts a conversation for the given task.
// POST /api/v1/conversation
func (h *ConversationHandler) Create(c *gin.Context) {
	var req dto.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "task is required"})
		return
	}

	conv, err := h.svc.Create(c.Request.Context(), req.Task)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}

	status, _ := conv.GetStatus()
	c.JSON(http.StatusCreated, dto.ConversationResponse{
		ID:        conv.ID,
		Status:    status,
		CreatedAt: conv.CreatedAt,
	})
}

// List returns a summary of every conversation.
// GET /api/v1/conversation
func (h *ConversationHandler) List(c *gin.Context) {
	convs := h.svc.List()

	resp := dto.ConversationListResponse{
		Conversations: make([]dto.ConversationResponse, 0, len(convs)),
	}
	for _, conv := range convs {
		status, lastErr := conv.GetStatus()
		resp.Conversations = append(resp.Conversations, dto.ConversationResponse{
			ID:        conv.ID,
			Status:    status,
			CreatedAt: conv.CreatedAt,
			Error:     lastErr,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// Get returns the conversation state, including pending input requests.
// GET /api/v1/conversation/:id
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, ok := h.lookup(c)
	if !ok {
		return
	}

	status, lastErr := conv.GetStatus()
	resp := dto.ConversationResponse{
		ID:        conv.ID,
		Status:    status,
		CreatedAt: conv.CreatedAt,
		Error:     lastErr,
	}
	res := conv.Resources
	if res.Runner != nil {
		state := res.Runner.Snapshot()
		resp.Phase = state.Phase
		resp.Iteration = state.Iteration
		resp.Answer = state.Answer
		resp.Usage = &state.Usage
		if c.Query("messages") == "true" {
			resp.Messages = state.Messages
		}
	}
	if res.Broker != nil {
		resp.Pending = res.Broker.Pending()
	}
	if res.Events != nil {
		resp.EventCount = res.Events.Len()
	}

	c.JSON(http.StatusOK, resp)
}

// Delete cancels a conversation and forgets it.
// DELETE /api/v1/conversation/:id
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.DeleteResponse{Deleted: true})
}

// Cancel cancels a running conversation.
// POST /api/v1/conversation/:id/cancel
func (h *ConversationHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Cancel(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ConversationResponse{
		ID:     id,
		Status: service.StatusCancelled,
	})
}

// Input answers a pending input request.
// POST /api/v1/conversation/:id/input
func (h *ConversationHandler) Input(c *gin.Context) {
	var req dto.InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.svc.SupplyInput(c.Request.Context(), c.Param("id"), req.RequestID, req.Text); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.InputResponse{RequestID: req.RequestID, Delivered: true})
}

// SSE streams the conversation's event log as Server-Sent Events, starting
// after position ?after=N. The stream ends when the conversation has ended
// and every event has been sent.
// GET /api/v1/conversation/:id/event
func (h *ConversationHandler) SSE(c *gin.Context) {
	conv, ok := h.lookup(c)
	if !ok {
		return
	}

	var after uint64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "after must be a non-negative integer"})
			return
		}
		after = n
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	_, _ = fmt.Fprintf(c.Writer, "event: connected\ndata: {\"conversation_id\":%q}\n\n", conv.ID)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for entry := range conv.Resources.Events.Subscribe(ctx, after) {
		data, err := json.Marshal(entry.Event)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", entry.Seq, entry.Event.EventType(), data)
		c.Writer.Flush()
	}
	if ctx.Err() != nil {
		return
	}

	status, _ := conv.GetStatus()
	_, _ = fmt.Fprintf(c.Writer, "event: end\ndata: {\"status\":%q}\n\n", status)
	c.Writer.Flush()
}

func (h *ConversationHandler) lookup(c *gin.Context) (*service.Conversation, bool) {
	conv, err := h.svc.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return conv, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "conversation not found"})
	case errors.Is(err, broker.ErrNotWaiting), errors.Is(err, broker.ErrAlreadyFulfilled):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
	}
}
