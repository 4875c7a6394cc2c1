package call

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callsignal/internal/domain"
	callsvc "callsignal/internal/service/call"
	apperrors "callsignal/pkg/errors"
	"callsignal/pkg/pagination"
	"callsignal/pkg/response"
)

// Service is the orchestrator surface the client API drives
type Service interface {
	InitiateCall(ctx context.Context, recipientID uuid.UUID, callType domain.CallType, offer json.RawMessage) (uuid.UUID, error)
	AnswerCall(ctx context.Context, callID, callerID uuid.UUID, answer json.RawMessage) error
	DeclineCall(ctx context.Context, callID, callerID uuid.UUID) error
	EndCall(ctx context.Context, callID uuid.UUID, recipientID *uuid.UUID) error
	RelayICECandidate(ctx context.Context, recipientID, callID uuid.UUID, candidate json.RawMessage) error
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallDetails, error)
	History(ctx context.Context, limit int) ([]*domain.CallSession, error)
	UpdateMedia(ctx context.Context, callID uuid.UUID, settings domain.MediaSettings) (*domain.CallParticipant, error)
	LocalState(callID uuid.UUID) (callsvc.LocalState, bool)
}

// Handler handles call HTTP requests
type Handler struct {
	callService Service
}

// NewHandler creates a new call handler
func NewHandler(callService Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// RegisterRoutes mounts the call API on rg
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.InitiateCall)
	rg.GET("/history", h.History)
	rg.GET("/:id", h.GetCall)
	rg.POST("/:id/answer", h.AnswerCall)
	rg.POST("/:id/decline", h.DeclineCall)
	rg.POST("/:id/end", h.EndCall)
	rg.POST("/:id/candidates", h.RelayCandidate)
	rg.PATCH("/:id/media", h.UpdateMedia)
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	RecipientID string          `json:"recipient_id" binding:"required,uuid"`
	CallType    string          `json:"call_type" binding:"required,oneof=audio video group_audio group_video"`
	Offer       json.RawMessage `json:"offer" binding:"required"`
}

// AnswerCallRequest carries the local answer for a ringing call
type AnswerCallRequest struct {
	CallerID string          `json:"caller_id" binding:"required,uuid"`
	Answer   json.RawMessage `json:"answer" binding:"required"`
}

// DeclineCallRequest names the caller to notify
type DeclineCallRequest struct {
	CallerID string `json:"caller_id" binding:"required,uuid"`
}

// EndCallRequest optionally names the peer to notify
type EndCallRequest struct {
	RecipientID string `json:"recipient_id" binding:"omitempty,uuid"`
}

// CandidateRequest carries one local ICE candidate for the peer
type CandidateRequest struct {
	RecipientID string          `json:"recipient_id" binding:"required,uuid"`
	Candidate   json.RawMessage `json:"candidate" binding:"required"`
}

// CallResponse is a session with its participants and the local negotiation view
type CallResponse struct {
	*domain.CallDetails
	Local *callsvc.LocalState `json:"local,omitempty"`
}

// InitiateCall starts a new call
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callID, err := h.callService.InitiateCall(c.Request.Context(),
		uuid.MustParse(req.RecipientID), domain.CallType(req.CallType), req.Offer)
	if err != nil {
		// the session exists even when the offer was not delivered
		if callID != uuid.Nil && apperrors.IsAppError(err) {
			apperrors.GetAppError(err).WithDetails(gin.H{"call_id": callID})
		}
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"call_id": callID,
		"status":  domain.CallStatusRinging,
	})
}

// AnswerCall accepts a ringing call
// POST /v1/calls/:id/answer
func (h *Handler) AnswerCall(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}

	var req AnswerCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.callService.AnswerCall(c.Request.Context(), callID, uuid.MustParse(req.CallerID), req.Answer); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"status":  domain.CallStatusActive,
	})
}

// DeclineCall rejects a ringing call
// POST /v1/calls/:id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}

	var req DeclineCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.callService.DeclineCall(c.Request.Context(), callID, uuid.MustParse(req.CallerID)); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"status":  domain.CallStatusDeclined,
	})
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}

	var req EndCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	var recipient *uuid.UUID
	if req.RecipientID != "" {
		id := uuid.MustParse(req.RecipientID)
		recipient = &id
	}

	if err := h.callService.EndCall(c.Request.Context(), callID, recipient); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"status":  domain.CallStatusEnded,
	})
}

// RelayCandidate forwards a local ICE candidate to the peer
// POST /v1/calls/:id/candidates
func (h *Handler) RelayCandidate(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}

	var req CandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.callService.RelayICECandidate(c.Request.Context(), uuid.MustParse(req.RecipientID), callID, req.Candidate); err != nil {
		response.FromError(c, err)
		return
	}

	c.Status(http.StatusAccepted)
}

// UpdateMedia changes the local participant's media flags
// PATCH /v1/calls/:id/media
func (h *Handler) UpdateMedia(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}

	var settings domain.MediaSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	participant, err := h.callService.UpdateMedia(c.Request.Context(), callID, settings)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, participant)
}

// GetCall retrieves call information
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}

	details, err := h.callService.GetCall(c.Request.Context(), callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	resp := CallResponse{CallDetails: details}
	if local, ok := h.callService.LocalState(callID); ok {
		resp.Local = &local
	}
	response.Success(c, http.StatusOK, resp)
}

// History lists the local user's calls, newest first
// GET /v1/calls/history?limit=20
func (h *Handler) History(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	sessions, err := h.callService.History(c.Request.Context(), limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.CallSession{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": sessions,
		"limit": limit,
	})
}

func parseCallID(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}
