package profile

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sphereapp/sphere/backend/internal/auth"
	"github.com/sphereapp/sphere/backend/internal/httpx"
)

type Service struct {
	DB *sql.DB
}

func Register(rg *gin.RouterGroup, db *sql.DB) {
	s := Service{DB: db}
	rg.GET("/me", s.getMe)
}

func (s Service) getMe(c *gin.Context) {
	uid := auth.MustUserID(c)
	if uid == 0 {
		httpx.Err(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	row := s.DB.QueryRow(
		`SELECT id, username, email, COALESCE(profile_pic, ''), created_at FROM users WHERE id=?`, uid)

	var (
		id              int64
		username, email string
		pic             string
		created         time.Time
	)
	if err := row.Scan(&id, &username, &email, &pic, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpx.Err(c, http.StatusNotFound, "user not found")
			return
		}
		httpx.Err(c, http.StatusInternalServerError, "database error")
		return
	}

	httpx.OK(c, gin.H{
		"id":              id,
		"username":        username,
		"email":           email,
		"profile_picture": pic,
		"created_at":      created.UTC().Format(time.RFC3339),
	})
}
