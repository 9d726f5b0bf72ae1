// Package livestream is the request/response surface of the stream rooms:
// chat and WebRTC signaling. Polling clients use it as-is; everything posted
// here is also fanned out to the stream's push connections through the hub.
package livestream

import (
	"encoding/json"
	"errors"
	"math"
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

type createReq struct {
	Title       string     `json:"title" binding:"required,max=100"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type chatReq struct {
	Content string `json:"content" binding:"required"`
}

type signalReq struct {
	Role    string          `json:"role"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func Register(rg *gin.RouterGroup, st *store.Store, hub *chat.Hub) {
	s := Service{Store: st, Hub: hub}
	rg.POST("/streams", s.create)
	rg.GET("/streams", s.list)
	rg.GET("/streams/:id", s.get)
	rg.POST("/streams/:id/go-live", s.goLive)
	rg.POST("/streams/:id/end", s.end)
	rg.POST("/streams/:id/join", s.join)
	rg.POST("/streams/:id/leave", s.leave)
	rg.POST("/streams/:id/like", s.like)
	rg.GET("/streams/:id/messages", s.listMessages)
	rg.POST("/streams/:id/messages", s.postMessage)
	rg.GET("/streams/:id/signals", s.listSignals)
	rg.POST("/streams/:id/signals", s.postSignal)
}

func (s Service) create(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.Store.CreateStream(c.Request.Context(), uid, req.Title, req.ScheduledAt)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "create stream failed")
		return
	}
	httpx.Created(c, streamJSON(st))
}

func (s Service) list(c *gin.Context) {
	streams, err := s.Store.Streams(c.Request.Context())
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}
	out := make([]gin.H, 0, len(streams))
	for i := range streams {
		out = append(out, streamJSON(&streams[i]))
	}
	httpx.OK(c, gin.H{"streams": out})
}

func (s Service) get(c *gin.Context) {
	st, ok := s.stream(c)
	if !ok {
		return
	}
	httpx.OK(c, streamJSON(st))
}

func (s Service) goLive(c *gin.Context) {
	uid := auth.MustUserID(c)
	id, ok := s.streamID(c)
	if !ok {
		return
	}
	st, err := s.Store.StartStream(c.Request.Context(), id, uid)
	if err != nil {
		s.storeErr(c, err)
		return
	}
	httpx.OK(c, streamJSON(st))
}

func (s Service) end(c *gin.Context) {
	uid := auth.MustUserID(c)
	id, ok := s.streamID(c)
	if !ok {
		return
	}
	st, err := s.Store.EndStream(c.Request.Context(), id, uid)
	if err != nil {
		s.storeErr(c, err)
		return
	}
	httpx.OK(c, streamJSON(st))
}

func (s Service) join(c *gin.Context) {
	id, ok := s.streamID(c)
	if !ok {
		return
	}
	st, err := s.Store.JoinStream(c.Request.Context(), id)
	if err != nil {
		s.storeErr(c, err)
		return
	}
	httpx.OK(c, streamJSON(st))
}

func (s Service) leave(c *gin.Context) {
	id, ok := s.streamID(c)
	if !ok {
		return
	}
	st, err := s.Store.LeaveStream(c.Request.Context(), id)
	if err != nil {
		s.storeErr(c, err)
		return
	}
	httpx.OK(c, streamJSON(st))
}

func (s Service) like(c *gin.Context) {
	id, ok := s.streamID(c)
	if !ok {
		return
	}
	total, err := s.Store.LikeStream(c.Request.Context(), id)
	if err != nil {
		s.storeErr(c, err)
		return
	}
	httpx.OK(c, gin.H{"total_likes": total})
}

func (s Service) listMessages(c *gin.Context) {
	id, ok := s.streamID(c)
	if !ok {
		return
	}
	msgs, err := s.Store.RecentStreamMessages(c.Request.Context(), id)
	if err != nil {
		s.storeErr(c, err)
		return
	}
	list := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, gin.H{
			"id":              m.ID,
			"author_id":       m.AuthorID,
			"author_username": m.AuthorUsername,
			"content":         m.Content,
			"created_at":      m.CreatedAt.Format(time.RFC3339),
		})
	}
	httpx.OK(c, gin.H{"messages": list})
}

func (s Service) postMessage(c *gin.Context) {
	uid := auth.MustUserID(c)
	id, ok := s.streamID(c)
	if !ok {
		return
	}

	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.Store.CreateStreamMessage(c.Request.Context(), id, uid, req.Content)
	if err != nil {
		s.storeErr(c, err)
		return
	}

	s.Hub.FanOutStreamMessage(msg)

	httpx.Created(c, gin.H{
		"id":              msg.ID,
		"author_id":       msg.AuthorID,
		"author_username": msg.AuthorUsername,
		"content":         msg.Content,
		"created_at":      msg.CreatedAt.Format(time.RFC3339),
	})
}

func (s Service) listSignals(c *gin.Context) {
	id, ok := s.streamID(c)
	if !ok {
		return
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		// numeric epoch seconds, fractional part allowed
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			sec, frac := math.Modf(f)
			since = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
	}

	sigs, err := s.Store.SignalsSince(c.Request.Context(), id, since)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			httpx.Err(c, http.StatusNotFound, err.Error())
			return
		}
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}

	list := make([]gin.H, 0, len(sigs))
	for _, sig := range sigs {
		list = append(list, signalJSON(&sig))
	}
	httpx.OK(c, gin.H{"signals": list})
}

func (s Service) postSignal(c *gin.Context) {
	id, ok := s.streamID(c)
	if !ok {
		return
	}

	var req signalReq
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}

	sig, err := s.Store.CreateSignal(c.Request.Context(), id, req.Role, req.Kind, req.Payload)
	if err != nil {
		s.storeErr(c, err)
		return
	}

	s.Hub.FanOutSignal(sig)
	httpx.Created(c, signalJSON(sig))
}

func (s Service) streamID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid stream id")
		return 0, false
	}
	return id, true
}

func (s Service) stream(c *gin.Context) (*store.Stream, bool) {
	id, ok := s.streamID(c)
	if !ok {
		return nil, false
	}
	st, err := s.Store.StreamByID(c.Request.Context(), id)
	if err != nil {
		s.storeErr(c, err)
		return nil, false
	}
	return st, true
}

func (s Service) storeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		httpx.Err(c, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrNotHost):
		httpx.Err(c, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrStreamNotLive), errors.Is(err, store.ErrStreamLive),
		errors.Is(err, store.ErrStreamEnded), errors.Is(err, store.ErrEmptyMessage),
		errors.Is(err, store.ErrMessageTooLong), errors.Is(err, store.ErrInvalidSignal),
		errors.Is(err, store.ErrMissingPayload):
		httpx.Err(c, http.StatusBadRequest, err.Error())
	default:
		httpx.Err(c, http.StatusInternalServerError, "operation failed")
	}
}

func streamJSON(st *store.Stream) gin.H {
	out := gin.H{
		"id":           st.ID,
		"public_id":    st.PublicID,
		"host_id":      st.HostID,
		"title":        st.Title,
		"status":       st.Status,
		"is_live":      st.IsLive(),
		"viewer_count": st.ViewerCount,
		"peak_viewers": st.PeakViewers,
		"total_likes":  st.TotalLikes,
		"created_at":   st.CreatedAt.Format(time.RFC3339),
	}
	if st.ScheduledAt != nil {
		out["scheduled_at"] = st.ScheduledAt.Format(time.RFC3339)
	}
	if st.StartedAt != nil {
		out["started_at"] = st.StartedAt.Format(time.RFC3339)
	}
	if st.EndedAt != nil {
		out["ended_at"] = st.EndedAt.Format(time.RFC3339)
	}
	return out
}

func signalJSON(sig *store.Signal) gin.H {
	return gin.H{
		"id":         sig.ID,
		"role":       sig.Role,
		"kind":       sig.Kind,
		"payload":    sig.Payload,
		"created_at": sig.CreatedAt.Format(time.RFC3339Nano),
	}
}
