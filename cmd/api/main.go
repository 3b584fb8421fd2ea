package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"gatehouse.dev/internal/config"
	"gatehouse.dev/internal/httpapi"
	"gatehouse.dev/internal/identity"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/ratelimit"
	"gatehouse.dev/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

// logMailer is the development fallback delivery hook. It writes the
// raw token to the log so flows can be completed without an SMTP setup.
type logMailer struct{}

func (logMailer) SendActionToken(_ context.Context, email string, kind identity.ActionKind, raw string) error {
	obs.Warn("action token issued (no mailer configured)", map[string]any{
		"email": email,
		"kind":  string(kind),
		"token": raw,
	})
	return nil
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	codec, err := token.NewCodec([]byte(cfg.AuthSecret))
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	var (
		store identity.Store
		db    *sql.DB
	)
	if cfg.PostgresDSN != "" {
		pg, err := identity.OpenPG(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pg.Close()
		store = pg
		db = pg.DB()
	} else {
		log.Printf("GATEHOUSE_PG_DSN not set, using in-memory store (data is lost on restart)")
		store = identity.NewMemoryStore()
	}

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		limiter = ratelimit.NewRedis(client, nil)
	} else {
		limiter = ratelimit.NewWindow(nil)
	}

	svc, err := identity.NewService(store, codec,
		identity.WithMailer(logMailer{}),
		identity.WithAccessTTL(cfg.AccessTTL),
		identity.WithRefreshTTL(cfg.RefreshTTL),
		identity.WithActionTokenTTL(cfg.ActionTokenTTL),
		identity.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}

	api := httpapi.New(svc, limiter, httpapi.ReadyProbe{DB: db}, version,
		httpapi.WithSecureCookies(cfg.CookieSecure),
		httpapi.WithIPRate(cfg.IPBurst, cfg.IPPerSecond),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting gatehouse-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
