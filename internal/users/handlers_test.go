package users

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sphereapp/sphere/backend/internal/auth"
	"github.com/sphereapp/sphere/backend/internal/otp"
)

func newUsersAPI(t *testing.T) (*gin.Engine, *sql.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "sql", "schema.sql"))
	require.NoError(t, err)
	for _, stmt := range strings.Split(string(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	s := Service{
		DB:        db,
		JWTSecret: "test-secret",
		JWTTTLMin: 60,
		OTP:       otp.Service{DB: db, Digits: 6, TTL: 5 * time.Minute},
	}
	r := gin.New()
	grp := r.Group("/api")
	grp.POST("/login", s.login)
	grp.POST("/forgot/verify", s.forgotVerify)
	grp.PUT("/forgot/reset", s.resetPassword)
	grp.GET("/users/search", s.search)
	return r, db
}

// seedOTP plants a live code directly, standing in for the email delivery.
func seedOTP(t *testing.T, db *sql.DB, email, purpose, code string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO otp_codes (email, code, purpose, expires_at) VALUES (?, ?, ?, ?)`,
		email, code, purpose, time.Now().UTC().Add(5*time.Minute))
	require.NoError(t, err)
}

func seedUser(t *testing.T, db *sql.DB, username, password string) int64 {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	res, err := db.Exec(`INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)`,
		username, username+"@example.com", hash)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestLogin(t *testing.T) {
	r, db := newUsersAPI(t)
	alice := seedUser(t, db, "alice", "correct horse")

	w, body := doJSON(t, r, http.MethodPost, "/api/login", gin.H{
		"username": "alice", "password": "correct horse",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(alice), body["user_id"])

	// the token is usable against the auth layer
	claims, err := auth.ParseToken("test-secret", body["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, alice, claims.UserID)

	w, _ = doJSON(t, r, http.MethodPost, "/api/login", gin.H{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/api/login", gin.H{
		"username": "nobody", "password": "whatever",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/api/login", gin.H{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserSearch(t *testing.T) {
	r, db := newUsersAPI(t)
	seedUser(t, db, "alice", "pw12345678")
	seedUser(t, db, "alicia", "pw12345678")
	seedUser(t, db, "bob", "pw12345678")

	w, body := doJSON(t, r, http.MethodGet, "/api/users/search?q=ali", nil)
	require.Equal(t, http.StatusOK, w.Code)
	users := body["users"].([]any)
	require.Len(t, users, 2)
	names := []string{
		users[0].(map[string]any)["username"].(string),
		users[1].(map[string]any)["username"].(string),
	}
	assert.Contains(t, names, "alice")
	assert.Contains(t, names, "alicia")

	w, _ = doJSON(t, r, http.MethodGet, "/api/users/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = doJSON(t, r, http.MethodGet, "/api/users/search?q=zzz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["users"])
}

func TestPasswordResetRequiresOTP(t *testing.T) {
	r, db := newUsersAPI(t)
	seedUser(t, db, "alice", "old password")
	email := "alice@example.com"

	// no otp field at all
	w, _ := doJSON(t, r, http.MethodPut, "/api/forgot/reset", gin.H{
		"email": email, "new_password": "new password",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// wrong code
	seedOTP(t, db, email, "reset", "111111")
	w, body := doJSON(t, r, http.MethodPut, "/api/forgot/reset", gin.H{
		"email": email, "otp": "999999", "new_password": "new password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid otp", body["error"])

	// the old password still stands
	w, _ = doJSON(t, r, http.MethodPost, "/api/login", gin.H{
		"username": "alice", "password": "old password",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// the verify step acknowledges the code without spending it
	w, _ = doJSON(t, r, http.MethodPost, "/api/forgot/verify", gin.H{
		"email": email, "otp": "111111",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, r, http.MethodPut, "/api/forgot/reset", gin.H{
		"email": email, "otp": "111111", "new_password": "new password",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/api/login", gin.H{
		"username": "alice", "password": "old password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = doJSON(t, r, http.MethodPost, "/api/login", gin.H{
		"username": "alice", "password": "new password",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// the code was consumed by the reset
	w, _ = doJSON(t, r, http.MethodPut, "/api/forgot/reset", gin.H{
		"email": email, "otp": "111111", "new_password": "another password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
