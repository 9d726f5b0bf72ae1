package presence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
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

	"github.com/sphereapp/sphere/backend/internal/store"
)

func newPresenceAPI(t *testing.T) (*gin.Engine, *Tracker, *store.Store, *sql.DB) {
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

	st := store.New(db)
	tracker := NewTracker(DefaultWindow)
	r := gin.New()
	Register(r.Group("/api"), tracker, st)
	return r, tracker, st, db
}

func getPresence(t *testing.T, r *gin.Engine, userID any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/users/%v/presence", userID), nil)
	r.ServeHTTP(w, req)
	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestPresenceEndpoint(t *testing.T) {
	r, tracker, _, db := newPresenceAPI(t)

	res, err := db.Exec(`INSERT INTO users (username, email, password_hash) VALUES ('alice', 'a@example.com', 'x')`)
	require.NoError(t, err)
	alice, err := res.LastInsertId()
	require.NoError(t, err)

	// known user, never connected
	w, body := getPresence(t, r, alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["online"])
	assert.NotContains(t, body, "last_seen")

	// activity makes them online
	tracker.Touch(alice)
	w, body = getPresence(t, r, alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["online"])
	assert.NotEmpty(t, body["last_seen"])

	w, _ = getPresence(t, r, 9999)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = getPresence(t, r, "abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPresenceFallsBackToPersistedMarker(t *testing.T) {
	r, _, st, db := newPresenceAPI(t)

	res, err := db.Exec(`INSERT INTO users (username, email, password_hash) VALUES ('bob', 'b@example.com', 'x')`)
	require.NoError(t, err)
	bob, err := res.LastInsertId()
	require.NoError(t, err)

	// a previous process stamped last_seen; the in-memory tracker is empty
	require.NoError(t, st.TouchUser(context.Background(), bob))

	w, body := getPresence(t, r, bob)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["online"])

	seen, err := time.Parse(time.RFC3339, body["last_seen"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), seen, time.Minute)
}
