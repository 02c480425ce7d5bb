package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"panicrelay/relay"
	"panicrelay/twilio"
)

// AccountChecker is the part of the provider API used by /test-twilio.
type AccountChecker interface {
	FetchAccount(ctx context.Context) (*twilio.Account, error)
	ListPhoneNumbers(ctx context.Context) ([]twilio.PhoneNumber, error)
}

// Server holds the running relay components.
type Server struct {
	cfg      *Config
	hub      *relay.Hub
	gateway  relay.Gateway
	account  AccountChecker
	db       *DB
	journal  *Journal
	metrics  *Metrics
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	engine   *gin.Engine
	log      zerolog.Logger
}

// newServer wires the hub and the HTTP routes. db and journal may be nil.
func newServer(cfg *Config, gw relay.Gateway, account AccountChecker, db *DB, journal *Journal, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		gateway:  gw,
		account:  account,
		db:       db,
		journal:  journal,
		metrics:  NewMetrics(),
		limiter:  NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		upgrader: newUpgrader(cfg.AllowedOrigins),
		log:      logger,
	}

	opts := []relay.Option{
		relay.WithPolicy(cfg.Policy()),
		relay.WithLogger(logger.With().Str("component", "hub").Logger()),
		relay.WithObserver(s.metrics),
	}
	if journal != nil {
		opts = append(opts, relay.WithObserver(journal))
	}
	s.hub = relay.New(gw, opts...)
	s.metrics.WatchHub(s.hub)
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(s.log.With().Str("component", "http").Logger()))
	r.Use(s.metrics.Middleware())
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/ws-status", s.handleWSStatus)
	r.GET("/metrics", s.metrics.Handler())

	// Provider callbacks are never rate limited.
	r.POST("/call-status", maxBodyMiddleware(s.cfg.MaxBodyBytes), s.handleCallStatus)
	r.GET("/media-stream", s.handleMediaStream)

	api := r.Group("/", s.limiter.Middleware(), maxBodyMiddleware(s.cfg.MaxBodyBytes))
	api.GET("/ws", s.handleClientSocket)
	api.POST("/start-call", s.handleStartCall)
	api.POST("/make-call", s.handleStartCall)
	api.POST("/send-sms", s.handleSendSMS)
	api.GET("/test-twilio", s.handleTestTwilio)
	api.GET("/calls", s.handleCalls)
	api.GET("/calls/:sid", s.handleCallDetail)
	api.GET("/sessions", s.handleSessions)
	return r
}

// observe records an event that did not come from the hub, such as a call
// placed over plain HTTP.
func (s *Server) observe(ev relay.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.metrics.Observe(ev)
	if s.journal != nil {
		s.journal.Observe(ev)
	}
}

// Run serves until ctx is cancelled, then shuts down: the listener stops,
// every session is torn down (terminating live calls), and the hub stops.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = s.hub.Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	go s.pruneVisitors(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Str("server_url", s.cfg.ServerURL).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown")
	}
	if err := s.hub.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("sessions still open at shutdown")
	}
	return serveErr
}

func (s *Server) pruneVisitors(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.limiter.Prune(10 * time.Minute)
		}
	}
}

// runServer builds every component from cfg and serves until ctx ends.
func runServer(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	gw, client, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	db, err := InitDB(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	logger.Info().Str("path", cfg.DatabasePath).Msg("database initialized")

	var (
		bot      *Bot
		notifier Notifier
	)
	if cfg.TelegramBotToken != "" {
		bot, err = NewBot(cfg.TelegramBotToken, cfg.AdminID, db, nil, logger.With().Str("component", "telegram").Logger())
		if err != nil {
			logger.Warn().Err(err).Msg("telegram disabled")
		} else {
			notifier = bot
		}
	}

	journal := NewJournal(db, notifier, logger.With().Str("component", "journal").Logger(), 256)
	defer journal.Close()

	gin.SetMode(gin.ReleaseMode)
	s := newServer(cfg, gw, client, db, journal, logger)
	if bot != nil {
		bot.hub = s.hub
		go bot.Start(ctx)
	}
	if cfg.ServerURL == "" {
		logger.Warn().Msg("SERVER_URL not set: no status callbacks or media streams")
	}
	return s.Run(ctx)
}
