package users

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/sphereapp/sphere/backend/internal/auth"
	"github.com/sphereapp/sphere/backend/internal/config"
	"github.com/sphereapp/sphere/backend/internal/httpx"
	"github.com/sphereapp/sphere/backend/internal/otp"
	"github.com/sphereapp/sphere/backend/internal/utils"
)

type Service struct {
	DB        *sql.DB
	JWTSecret string
	JWTTTLMin int
	OTP       otp.Service
}

type signupInitReq struct {
	Username string `json:"username" binding:"required,min=3,max=30"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type signupVerifyReq struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	OTP      string `json:"otp" binding:"required"`
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type forgotInitReq struct {
	Email string `json:"email" binding:"required,email"`
}

type forgotVerifyReq struct {
	Email string `json:"email" binding:"required,email"`
	OTP   string `json:"otp" binding:"required"`
}

type resetReq struct {
	Email       string `json:"email" binding:"required,email"`
	OTP         string `json:"otp" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8"`
}

func RegisterPublic(rg *gin.RouterGroup, db *sql.DB, cfg config.Config) {
	s := Service{
		DB:        db,
		JWTSecret: cfg.JWTSecret,
		JWTTTLMin: cfg.JWTTTLMin,
		OTP: otp.Service{
			DB:             db,
			Digits:         cfg.OTPDigits,
			TTL:            time.Duration(cfg.OTPTTLSec) * time.Second,
			SendGridAPIKey: cfg.SendGridAPIKey,
			SendGridFrom:   cfg.SendGridFrom,
		},
	}

	rg.POST("/signup/initiate", s.signupInitiate)
	rg.POST("/signup/verify", s.signupVerify)
	rg.POST("/login", s.login)
	rg.POST("/forgot/initiate", s.forgotInitiate)
	rg.POST("/forgot/verify", s.forgotVerify)
	rg.PUT("/forgot/reset", s.resetPassword)
}

func RegisterPrivate(rg *gin.RouterGroup, db *sql.DB) {
	s := Service{DB: db}
	rg.GET("/users/search", s.search)
}

func (s Service) signupInitiate(c *gin.Context) {
	var req signupInitReq
	if !bind(c, &req) {
		return
	}

	var count int
	_ = s.DB.QueryRow(`SELECT COUNT(1) FROM users WHERE username=? OR email=?`, req.Username, req.Email).Scan(&count)
	if count > 0 {
		httpx.Err(c, http.StatusConflict, "username or email already exists")
		return
	}

	if _, err := s.OTP.Generate(req.Email, "signup"); err != nil {
		httpx.Err(c, http.StatusInternalServerError, "sending otp failed")
		return
	}
	httpx.OK(c, gin.H{"message": "otp sent"})
}

func (s Service) signupVerify(c *gin.Context) {
	var req signupVerifyReq
	if !bind(c, &req) {
		return
	}

	ok, err := s.OTP.Verify(req.Email, "signup", req.OTP)
	if err != nil || !ok {
		httpx.Err(c, http.StatusUnauthorized, "invalid otp")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "create user failed")
		return
	}
	res, err := s.DB.Exec(`INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)`,
		req.Username, req.Email, hash)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "create user failed")
		return
	}
	uid, _ := res.LastInsertId()

	tok, err := auth.NewToken(s.JWTSecret, uid, s.JWTTTLMin)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "token generation failed")
		return
	}
	httpx.OK(c, gin.H{"token": tok, "user_id": uid})
}

func (s Service) login(c *gin.Context) {
	var req loginReq
	if !bind(c, &req) {
		return
	}

	var (
		id   int64
		hash string
	)
	if err := s.DB.QueryRow(`SELECT id, password_hash FROM users WHERE username=?`, req.Username).Scan(&id, &hash); err != nil {
		httpx.Err(c, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := auth.CheckPassword(hash, req.Password); err != nil {
		httpx.Err(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tok, err := auth.NewToken(s.JWTSecret, id, s.JWTTTLMin)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "token generation failed")
		return
	}
	httpx.OK(c, gin.H{"token": tok, "user_id": id})
}

func (s Service) forgotInitiate(c *gin.Context) {
	var req forgotInitReq
	if !bind(c, &req) {
		return
	}
	if _, err := s.OTP.Generate(req.Email, "reset"); err != nil {
		httpx.Err(c, http.StatusInternalServerError, "sending otp failed")
		return
	}
	httpx.OK(c, gin.H{"message": "otp sent"})
}

func (s Service) forgotVerify(c *gin.Context) {
	var req forgotVerifyReq
	if !bind(c, &req) {
		return
	}
	// non-consuming check; the reset call consumes the code
	ok, err := s.OTP.Check(req.Email, "reset", req.OTP)
	if err != nil || !ok {
		httpx.Err(c, http.StatusUnauthorized, "invalid otp")
		return
	}
	httpx.OK(c, gin.H{"message": "otp verified"})
}

func (s Service) resetPassword(c *gin.Context) {
	var req resetReq
	if !bind(c, &req) {
		return
	}
	ok, err := s.OTP.Verify(req.Email, "reset", req.OTP)
	if err != nil || !ok {
		httpx.Err(c, http.StatusUnauthorized, "invalid otp")
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "update password failed")
		return
	}
	if _, err := s.DB.Exec(`UPDATE users SET password_hash=? WHERE email=?`, hash, req.Email); err != nil {
		httpx.Err(c, http.StatusInternalServerError, "update password failed")
		return
	}
	httpx.OK(c, gin.H{"message": "password updated"})
}

func (s Service) search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		httpx.Err(c, http.StatusBadRequest, "query parameter is required")
		return
	}

	rows, err := s.DB.Query(
		`SELECT id, username, COALESCE(profile_pic, '') FROM users WHERE username LIKE ? LIMIT 10`,
		"%"+query+"%")
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "database query failed")
		return
	}
	defer rows.Close()

	var users []gin.H
	for rows.Next() {
		var (
			id       int64
			username string
			pic      string
		)
		if err := rows.Scan(&id, &username, &pic); err != nil {
			continue
		}
		users = append(users, gin.H{"id": id, "username": username, "profile_picture": pic})
	}
	httpx.OK(c, gin.H{"users": users})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return false
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
