package config

import (
	"os"
	"strconv"
)

type Config struct {
	Addr        string
	JWTSecret   string
	JWTTTLMin   int
	SQLiteDSN   string
	PostgresDSN string
	OTPDigits   int
	OTPTTLSec   int

	SendGridAPIKey string
	SendGridFrom   string
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func MustLoad() Config {
	return Config{
		Addr:           getenv("HTTP_ADDR", ":8080"),
		JWTSecret:      getenv("JWT_SECRET", ""),
		JWTTTLMin:      getenvInt("JWT_TTL_MIN", 1440),
		SQLiteDSN:      getenv("SQLITE_DSN", "file:sphere.db?_pragma=foreign_keys(ON)"),
		PostgresDSN:    getenv("POSTGRES_DSN", ""),
		OTPDigits:      getenvInt("OTP_DIGITS", 6),
		OTPTTLSec:      getenvInt("OTP_TTL_SEC", 300),
		SendGridAPIKey: getenv("SENDGRID_API_KEY", ""),
		SendGridFrom:   getenv("SENDGRID_FROM", ""),
	}
}
