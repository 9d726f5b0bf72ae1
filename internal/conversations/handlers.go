package conversations

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/sphereapp/sphere/backend/internal/auth"
	"github.com/sphereapp/sphere/backend/internal/httpx"
	"github.com/sphereapp/sphere/backend/internal/store"
	"github.com/sphereapp/sphere/backend/internal/utils"
)

type Service struct {
	Store *store.Store
}

type privateReq struct {
	OtherUserID int64 `json:"other_user_id" binding:"required"`
	// IsRequest marks the conversation as a message request when it has to
	// be created; it is ignored when one already exists.
	IsRequest bool `json:"is_request"`
}

type requestActionReq struct {
	Action string `json:"action" binding:"required,oneof=accept decline"`
}

func Register(rg *gin.RouterGroup, st *store.Store) {
	s := Service{Store: st}
	rg.POST("/conversations/private", s.createOrGetPrivate)
	rg.GET("/conversations", s.listMine)
	rg.POST("/conversations/:id/request", s.resolveRequest)
}

func (s Service) createOrGetPrivate(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req privateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	conv, created, err := s.Store.FindOrCreateConversation(c.Request.Context(), uid, req.OtherUserID, req.IsRequest)
	if err != nil {
		if errors.Is(err, store.ErrSelfConversation) {
			httpx.Err(c, http.StatusBadRequest, err.Error())
			return
		}
		httpx.Err(c, http.StatusBadRequest, "create conversation failed")
		return
	}

	httpx.OK(c, gin.H{
		"conversation_id": conv.ID,
		"created":         created,
		"is_request":      conv.IsRequest,
		"request_status":  conv.RequestStatus,
	})
}

func (s Service) listMine(c *gin.Context) {
	uid := auth.MustUserID(c)

	list, err := s.Store.ConversationsFor(c.Request.Context(), uid)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "failed to fetch conversations")
		return
	}

	out := make([]gin.H, 0, len(list))
	for _, cs := range list {
		out = append(out, gin.H{
			"id":             cs.ID,
			"other_user_id":  cs.OtherUserID,
			"other_username": cs.OtherUsername,
			"is_request":     cs.IsRequest,
			"request_status": cs.RequestStatus,
			"unread_count":   cs.UnreadCount,
			"updated_at":     cs.UpdatedAt.Format(time.RFC3339),
		})
	}
	httpx.OK(c, gin.H{"conversations": out})
}

func (s Service) resolveRequest(c *gin.Context) {
	uid := auth.MustUserID(c)
	convID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid conversation id")
		return
	}

	var req requestActionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	status := store.RequestAccepted
	if req.Action == "decline" {
		status = store.RequestDeclined
	}

	if err := s.Store.SetRequestStatus(c.Request.Context(), convID, uid, status); err != nil {
		switch {
		case errors.Is(err, store.ErrConversationNotFound):
			httpx.Err(c, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrNotParticipant):
			httpx.Err(c, http.StatusForbidden, err.Error())
		case errors.Is(err, store.ErrRequestNotPending):
			httpx.Err(c, http.StatusBadRequest, err.Error())
		default:
			httpx.Err(c, http.StatusInternalServerError, "update failed")
		}
		return
	}
	httpx.OK(c, gin.H{"request_status": status})
}
