package server

import (
	"context"
	"net/http"
	"time"

	"benchboard/internal/common/http/middleware"
	"benchboard/internal/identity"
	leaderboardController "benchboard/internal/leaderboard/controller"
	submissionController "benchboard/internal/submission/controller"
	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Config holds HTTP server settings.
type Config struct {
	Addr         string                `yaml:"addr"`
	ReadTimeout  time.Duration         `yaml:"readTimeout"`
	WriteTimeout time.Duration         `yaml:"writeTimeout"`
	IdleTimeout  time.Duration         `yaml:"idleTimeout"`
	CORS         middleware.CORSConfig `yaml:"cors"`
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the handlers mounted by NewRouter. Nil handlers are not mounted.
type Deps struct {
	Verifier    identity.Verifier
	Submissions *submissionController.SubmissionController
	Leaderboard *leaderboardController.LeaderboardController
	Metrics     http.Handler
	Health      map[string]HealthCheck
}

// NewRouter builds the public API.
func NewRouter(cfg Config, deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContext())
	router.Use(middleware.CORS(cfg.CORS))
	router.Use(middleware.RequestLogger())

	router.GET("/healthz", healthz(deps.Health))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api/v1")
	authed := identity.RequireIdentity(deps.Verifier)

	if deps.Submissions != nil {
		submissions := api.Group("/submissions", authed)
		submissions.POST("", deps.Submissions.Create)
		submissions.POST("/source", deps.Submissions.Upload)
		submissions.GET("/:id", deps.Submissions.Get)
	}
	if deps.Leaderboard != nil {
		api.GET("/leaderboard", deps.Leaderboard.List)
		api.GET("/leaderboard/stream", deps.Leaderboard.Stream)
		me := api.Group("/users/me", authed)
		me.GET("/submissions", deps.Leaderboard.History)
		me.GET("/stats", deps.Leaderboard.Stats)
	}
	return router
}

// NewHTTPServer wraps handler with the configured timeouts.
func NewHTTPServer(cfg Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, response.Response{Code: appErr.ServiceUnavailable, Message: "unhealthy", Data: status})
			return
		}
		response.Success(c, status)
	}
}
