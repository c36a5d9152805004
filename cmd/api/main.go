package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/authn"
	"sitegrid.org/internal/config"
	"sitegrid.org/internal/httpapi"
	"sitegrid.org/internal/ids"
	"sitegrid.org/internal/invite"
	"sitegrid.org/internal/mfa"
	"sitegrid.org/internal/obs"
	"sitegrid.org/internal/store/memory"
	"sitegrid.org/internal/store/pg"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

// backing is the union of store contracts the services need.
type backing interface {
	access.Store
	audit.Store
	Invitations() invite.Store
	Enrollments() mfa.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.InitLogger("info", false)
		l := obs.Logger()
		l.Fatal().Err(err).Msg("load config")
	}
	obs.InitLogger(cfg.LogLevel, cfg.IsDevelopment())
	logger := obs.Logger().With().Str("component", "main").Logger()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		store backing
		db    *sql.DB
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("open postgres")
		}
		defer pgStore.Close()
		store = pgStore
		db = pgStore.DB()
	} else {
		logger.Warn().Msg("no DSN configured, using in-memory store")
		store = memory.New()
	}

	recorder := audit.NewRecorder(store, obs.Logger())
	hierarchy := access.NewStaticHierarchy()
	engine := access.NewEngine(store)
	catalog := access.NewCatalog(store, recorder)
	lifecycle := access.NewLifecycle(store, engine, hierarchy, recorder)
	tokens := authn.NewTokenService(cfg.AuthSecret, cfg.TokenTTL)
	invites := invite.NewService(store.Invitations(), store, engine, hierarchy, recorder, cfg.InvitationTTL)
	mfaService := mfa.NewService(store.Enrollments(), store.Users(), recorder, "sitegrid",
		cfg.BackupCodeCount, cfg.BackupCodeWarnBelow)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := catalog.SeedBuiltins(ctx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("seed builtin roles")
	}
	cancel()

	if cfg.PostgresDSN == "" && cfg.IsDevelopment() {
		bootstrapOwner(store, logger)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, httpapi.Deps{
		Catalog:   catalog,
		Engine:    engine,
		Lifecycle: lifecycle,
		Users:     store.Users(),
		Recorder:  recorder,
		Invites:   invites,
		MFA:       mfaService,
		Tokens:    tokens,
	})

	handler := httpapi.RequestID(
		httpapi.LoggingJSON(
			httpapi.RateLimit(
				httpapi.SecurityHeaders(
					httpapi.CORS(
						httpapi.MaxBodyBytes(api.Handler(), cfg.MaxBodyBytes))),
				cfg.RateLimitBurst, cfg.RateLimitPerSecond)))

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.AssignmentSweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		count, err := lifecycle.SweepExpired(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("assignment sweep")
			return
		}
		logger.Info().Int("expired_active", count).Msg("assignment sweep complete")
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule assignment sweep")
	}
	if _, err := sweeper.AddFunc(cfg.InvitationSweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		count, err := invites.SweepExpired(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("invitation sweep")
			return
		}
		logger.Info().Int("expired", count).Msg("invitation sweep complete")
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule invitation sweep")
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("starting sitegrid-api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("stopped")
}

// bootstrapOwner seeds a platform owner into the in-memory store so the
// API is usable out of the box during development. The generated password
// is printed once; it never leaves the process otherwise.
func bootstrapOwner(store backing, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	password, err := ids.NewSecret(12)
	if err != nil {
		logger.Error().Err(err).Msg("bootstrap owner password")
		return
	}
	hash, err := authn.HashPassword(password)
	if err != nil {
		logger.Error().Err(err).Msg("bootstrap owner hash")
		return
	}
	owner := access.User{
		ID:           ids.New(),
		Email:        "owner@sitegrid.local",
		PasswordHash: hash,
		Status:       access.UserStatusActive,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := store.Users().Create(ctx, &owner); err != nil {
		logger.Error().Err(err).Msg("bootstrap owner user")
		return
	}
	assignment := access.RoleAssignment{
		UserID:   owner.ID,
		RoleKey:  access.RoleOwner,
		Scope:    access.GlobalScope(),
		IsActive: true,
		Notes:    "development bootstrap",
	}
	if err := store.Assignments().Create(ctx, &assignment); err != nil {
		logger.Error().Err(err).Msg("bootstrap owner assignment")
		return
	}
	logger.Info().
		Str("email", owner.Email).
		Str("password", password).
		Msg("development owner created")
}
