package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// Max 1MB request body size for ActivityPub activities
	maxActivityBytes = 1 * 1024 * 1024
	itemsPerPage     = 20
)

// Server is the HTTP face of the federation engine.
type Server struct {
	conf   *util.AppConfig
	engine *activitypub.Engine
	store  *db.DB
	logger *log.Logger
}

func NewServer(conf *util.AppConfig, engine *activitypub.Engine, store *db.DB, logger *log.Logger) *Server {
	if logger == nil {
		logger = util.Log()
	}
	return &Server{
		conf:   conf,
		engine: engine,
		store:  store,
		logger: logger.WithPrefix("http"),
	}
}

// Handler builds the gin router.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/.well-known/webfinger", s.handleWebFinger)
	g.GET("/api/federation/stats", s.handleStats)

	if !s.conf.Conf.WithAp {
		return g
	}

	// Stricter rate limit for ActivityPub inboxes: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(maxActivityBytes)

	f := s.conf.Conf.Federation
	g.GET(f.ActorPath+"/:username", s.handleActor)
	g.POST(f.InboxPath, RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)
	g.POST(f.InboxPath+"/:username", RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)
	g.GET(f.OutboxPath+"/:username", s.handleOutbox)
	g.GET(f.FollowersPath+"/:username", s.handleFollowers)
	g.GET(f.FollowingPath+"/:username", s.handleFollowing)
	g.GET(f.RepliesPath+"/:id", s.handleReplies)
	g.GET(f.NotesPath+"/:id", s.handleNote)
	return g
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting federation server", "addr", addr, "domain", s.conf.Conf.SslDomain, "withAp", s.conf.Conf.WithAp)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("Shutting down federation server")
		return srv.Shutdown(shutdownCtx)
	}
}

// activityJSON writes v with the ActivityPub content type.
func activityJSON(c *gin.Context, status int, v any) {
	c.Header("Content-Type", activitypub.ContentTypeActivity+"; charset=utf-8")
	c.JSON(status, v)
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to collect stats", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to collect stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
