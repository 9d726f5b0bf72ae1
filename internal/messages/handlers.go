package messages

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/sphereapp/sphere/backend/internal/auth"
	"github.com/sphereapp/sphere/backend/internal/chat"
	"github.com/sphereapp/sphere/backend/internal/httpx"
	"github.com/sphereapp/sphere/backend/internal/store"
	"github.com/sphereapp/sphere/backend/internal/utils"
)

type Service struct {
	Store *store.Store
	Hub   *chat.Hub
}

type sendReq struct {
	ConversationID int64  `json:"conversation_id" binding:"required"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type" binding:"omitempty,oneof=text image post_share voice"`
	Attachment     string `json:"attachment"`
	SharedPostID   int64  `json:"shared_post_id"`
	IsEncrypted    bool   `json:"is_encrypted"`
}

type pageReq struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

func Register(rg *gin.RouterGroup, st *store.Store, hub *chat.Hub) {
	s := Service{Store: st, Hub: hub}
	rg.POST("/messages", s.send)
	rg.GET("/conversations/:id/messages", s.list)
	rg.POST("/conversations/:id/read", s.markRead)
	rg.POST("/messages/:id/unsend", s.unsend)
}

// send is the request-path counterpart of the socket's chat_message event.
// Unlike the socket, it lets the recipient of a pending request reply, which
// accepts the request as a side effect of persisting the message.
func (s Service) send(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.Store.CreateMessage(c.Request.Context(), store.NewMessage{
		ConversationID: req.ConversationID,
		SenderID:       uid,
		Content:        req.Content,
		Type:           req.MessageType,
		Attachment:     req.Attachment,
		SharedPostID:   req.SharedPostID,
		Encrypted:      req.IsEncrypted,
	})
	if err != nil {
		s.storeErr(c, err)
		return
	}

	s.Hub.FanOutMessage(c.Request.Context(), msg)

	httpx.Created(c, gin.H{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"created_at":      msg.CreatedAt.Format(time.RFC3339),
	})
}

func (s Service) list(c *gin.Context) {
	uid := auth.MustUserID(c)
	convID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid conversation id")
		return
	}

	ok, err := s.Store.IsParticipant(c.Request.Context(), convID, uid)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}
	if !ok {
		httpx.Err(c, http.StatusForbidden, "not a participant")
		return
	}

	var q pageReq
	_ = c.BindQuery(&q)

	msgs, err := s.Store.Messages(c.Request.Context(), convID, q.Limit, q.Offset)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}

	list := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if m.IsUnsent {
			// never hand the original text back once unsent
			content = ""
		}
		item := gin.H{
			"id":              m.ID,
			"sender_id":       m.SenderID,
			"sender_username": m.SenderUsername,
			"content":         content,
			"message_type":    m.Type,
			"is_unsent":       m.IsUnsent,
			"is_encrypted":    m.IsEncrypted,
			"created_at":      m.CreatedAt.Format(time.RFC3339),
		}
		if m.ReadAt != nil {
			item["read_at"] = m.ReadAt.Format(time.RFC3339)
		}
		if m.Attachment != "" {
			item["attachment"] = m.Attachment
		}
		if m.SharedPostID != 0 {
			item["shared_post_id"] = m.SharedPostID
		}
		list = append(list, item)
	}
	httpx.OK(c, gin.H{"messages": list})
}

func (s Service) markRead(c *gin.Context) {
	uid := auth.MustUserID(c)
	convID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid conversation id")
		return
	}

	count, err := s.Store.MarkRead(c.Request.Context(), convID, uid)
	if err != nil {
		s.storeErr(c, err)
		return
	}

	s.Hub.NotifyRead(c.Request.Context(), convID, uid, count)
	httpx.OK(c, gin.H{"count": count})
}

func (s Service) unsend(c *gin.Context) {
	uid := auth.MustUserID(c)
	msgID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid message id")
		return
	}

	if err := s.Store.Unsend(c.Request.Context(), msgID, uid); err != nil {
		s.storeErr(c, err)
		return
	}
	httpx.OK(c, gin.H{"ok": true})
}

func (s Service) storeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrConversationNotFound), errors.Is(err, store.ErrMessageNotFound):
		httpx.Err(c, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrNotParticipant), errors.Is(err, store.ErrNotSender),
		errors.Is(err, store.ErrPendingRequest):
		httpx.Err(c, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrEmptyMessage), errors.Is(err, store.ErrMessageTooLong):
		httpx.Err(c, http.StatusBadRequest, err.Error())
	default:
		httpx.Err(c, http.StatusInternalServerError, "operation failed")
	}
}
