package main

import (
	"database/sql"
	"flag"
	"log"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/sphereapp/sphere/backend/internal/auth"
	"github.com/sphereapp/sphere/backend/internal/chat"
	"github.com/sphereapp/sphere/backend/internal/config"
	"github.com/sphereapp/sphere/backend/internal/conversations"
	"github.com/sphereapp/sphere/backend/internal/livestream"
	"github.com/sphereapp/sphere/backend/internal/messages"
	"github.com/sphereapp/sphere/backend/internal/presence"
	"github.com/sphereapp/sphere/backend/internal/profile"
	"github.com/sphereapp/sphere/backend/internal/storage/postgres"
	"github.com/sphereapp/sphere/backend/internal/storage/sqlite"
	"github.com/sphereapp/sphere/backend/internal/store"
	"github.com/sphereapp/sphere/backend/internal/users"
)

const schemaPath = "sql/schema.sql"

func main() {
	migrate := flag.Bool("migrate", false, "run migrations and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file, using environment")
	}
	cfg := config.MustLoad()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		conn, err := postgres.New(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connecting to postgres: %v", err)
		}
		if *migrate {
			if err := conn.Migrate(schemaPath); err != nil {
				log.Fatalf("migration failed: %v", err)
			}
			slog.Info("migration completed")
			return
		}
		db = conn.Db
	} else {
		conn, err := sqlite.New(cfg.SQLiteDSN)
		if err != nil {
			log.Fatalf("opening sqlite: %v", err)
		}
		if *migrate {
			if err := conn.Migrate(schemaPath); err != nil {
				log.Fatalf("migration failed: %v", err)
			}
			slog.Info("migration completed")
			return
		}
		db = conn.Db
	}
	defer db.Close()

	st := store.New(db)
	tracker := presence.NewTracker(presence.DefaultWindow)
	hub := chat.NewHub(st, tracker)

	r := gin.Default()
	api := r.Group("/api")

	users.RegisterPublic(api, db, cfg)
	chat.RegisterWS(api, hub, cfg.JWTSecret)

	priv := api.Group("")
	priv.Use(auth.JWTMiddleware(cfg.JWTSecret))
	users.RegisterPrivate(priv, db)
	profile.Register(priv, db)
	presence.Register(priv, tracker, st)
	conversations.Register(priv, st)
	messages.Register(priv, st, hub)
	livestream.Register(priv, st, hub)

	slog.Info("listening", "addr", cfg.Addr)
	if err := r.Run(cfg.Addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
