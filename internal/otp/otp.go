package otp

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Store is the subset of database operations the OTP service needs.
type Store interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Begin() (*sql.Tx, error)
}

type Service struct {
	DB     Store
	Digits int
	TTL    time.Duration

	SendGridAPIKey string
	SendGridFrom   string
}

func randomDigits(n int) (string, error) {
	res := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		res[i] = byte('0' + v.Int64())
	}
	return string(res), nil
}

// Generate stores a fresh code for the address and emails it out.
func (s *Service) Generate(email, purpose string) (string, error) {
	code, err := randomDigits(s.Digits)
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().UTC().Add(s.TTL)
	if _, err := s.DB.Exec(
		`INSERT INTO otp_codes (email, code, purpose, expires_at) VALUES (?, ?, ?, ?)`,
		email, code, purpose, expiresAt,
	); err != nil {
		return "", err
	}

	from := mail.NewEmail("Sphere", s.SendGridFrom)
	to := mail.NewEmail("", email)
	subject := "Your Sphere verification code"
	body := fmt.Sprintf("Your verification code for %s: %s", purpose, code)
	msg := mail.NewSingleEmail(from, subject, to, body, body)

	client := sendgrid.NewSendClient(s.SendGridAPIKey)
	if _, err := client.Send(msg); err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}

	return code, nil
}

// Check reports whether a live code matches without consuming it. Used to
// acknowledge a reset request while the code stays valid for the reset itself.
func (s *Service) Check(email, purpose, code string) (bool, error) {
	var n int
	if err := s.DB.QueryRow(
		`SELECT COUNT(1) FROM otp_codes WHERE email=? AND purpose=? AND code=? AND expires_at > ?`,
		email, purpose, code, time.Now().UTC(),
	).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Verify consumes a code. Expired codes are swept first so they never match,
// and a matching code is single-use.
func (s *Service) Verify(email, purpose, code string) (bool, error) {
	now := time.Now().UTC()
	_, _ = s.DB.Exec(`DELETE FROM otp_codes WHERE expires_at <= ?`, now)

	tx, err := s.DB.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(
		`SELECT COUNT(1) FROM otp_codes WHERE email=? AND purpose=? AND code=? AND expires_at > ?`,
		email, purpose, code, now,
	).Scan(&n); err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.Exec(
		`DELETE FROM otp_codes WHERE email=? AND purpose=? AND code=?`,
		email, purpose, code,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
