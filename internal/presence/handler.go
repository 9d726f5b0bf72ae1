package presence

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sphereapp/sphere/backend/internal/httpx"
	"github.com/sphereapp/sphere/backend/internal/store"
)

type Service struct {
	Tracker *Tracker
	Store   *store.Store
}

func Register(rg *gin.RouterGroup, tracker *Tracker, st *store.Store) {
	s := Service{Tracker: tracker, Store: st}
	rg.GET("/users/:id/presence", s.getPresence)
}

func (s Service) getPresence(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid user id")
		return
	}

	// Live connections feed the tracker; fall back to the persisted marker
	// for users with no activity since the process started.
	lastSeen, ok := s.Tracker.LastSeen(userID)
	if !ok {
		persisted, err := s.Store.LastSeen(c.Request.Context(), userID)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.Err(c, http.StatusNotFound, "user not found")
			return
		}
		if err != nil {
			httpx.Err(c, http.StatusInternalServerError, "database error")
			return
		}
		lastSeen = persisted
	}

	resp := gin.H{"online": s.Tracker.IsOnline(userID)}
	if !lastSeen.IsZero() {
		resp["last_seen"] = lastSeen.UTC().Format(time.RFC3339)
	}
	httpx.OK(c, resp)
}
