package otp

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
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
	return &Service{DB: db, Digits: 6, TTL: 5 * time.Minute}
}

// seed plants a code directly so Verify can be tested without email delivery.
func seed(t *testing.T, s *Service, email, purpose, code string, expiresAt time.Time) {
	t.Helper()
	_, err := s.DB.Exec(
		`INSERT INTO otp_codes (email, code, purpose, expires_at) VALUES (?, ?, ?, ?)`,
		email, code, purpose, expiresAt)
	require.NoError(t, err)
}

func TestRandomDigits(t *testing.T) {
	for _, n := range []int{4, 6, 8} {
		code, err := randomDigits(n)
		require.NoError(t, err)
		assert.Len(t, code, n)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9')
		}
	}
}

func TestVerifyConsumesCode(t *testing.T) {
	s := newTestService(t)
	seed(t, s, "a@example.com", "signup", "123456", time.Now().UTC().Add(5*time.Minute))

	ok, err := s.Verify("a@example.com", "signup", "123456")
	require.NoError(t, err)
	assert.True(t, ok)

	// single-use
	ok, err = s.Verify("a@example.com", "signup", "123456")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsMismatches(t *testing.T) {
	s := newTestService(t)
	seed(t, s, "a@example.com", "signup", "123456", time.Now().UTC().Add(5*time.Minute))

	ok, err := s.Verify("a@example.com", "signup", "000000")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Verify("b@example.com", "signup", "123456")
	require.NoError(t, err)
	assert.False(t, ok)

	// same code, wrong purpose
	ok, err = s.Verify("a@example.com", "password_reset", "123456")
	require.NoError(t, err)
	assert.False(t, ok)

	// the right one still works afterwards
	ok, err = s.Verify("a@example.com", "signup", "123456")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckDoesNotConsume(t *testing.T) {
	s := newTestService(t)
	seed(t, s, "a@example.com", "reset", "123456", time.Now().UTC().Add(5*time.Minute))

	for i := 0; i < 2; i++ {
		ok, err := s.Check("a@example.com", "reset", "123456")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := s.Check("a@example.com", "reset", "000000")
	require.NoError(t, err)
	assert.False(t, ok)

	// the code is still there for a consuming Verify
	ok, err = s.Verify("a@example.com", "reset", "123456")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Check("a@example.com", "reset", "123456")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckRejectsExpired(t *testing.T) {
	s := newTestService(t)
	seed(t, s, "a@example.com", "reset", "123456", time.Now().UTC().Add(-time.Minute))

	ok, err := s.Check("a@example.com", "reset", "123456")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := newTestService(t)
	seed(t, s, "a@example.com", "signup", "123456", time.Now().UTC().Add(-time.Minute))

	ok, err := s.Verify("a@example.com", "signup", "123456")
	require.NoError(t, err)
	assert.False(t, ok)

	// expired rows are swept as part of verification
	var n int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(1) FROM otp_codes`).Scan(&n))
	assert.Zero(t, n)
}
