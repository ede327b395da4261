// Package api exposes the tutoring dialogue over HTTP.
//
// Routes:
//
//	POST /api/sessions                       start a session (runs the init turn)
//	GET  /api/sessions/:id                   session snapshot
//	POST /api/sessions/:id/turns             one student turn
//	POST /api/sessions/:id/verification      retry the verification code sync
//	POST /api/sessions/:id/flush             retry the log flush
//	GET  /api/sessions/:id/export            stored conversation
//	POST /api/log                            store a client-side log batch
//	POST /api/captcha                        record a verification code
//	GET  /api/test-db                        persistence health probe
//	GET  /healthz                            liveness, live sessions, reply recovery counts
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lateraltutor/internal/dialogue"
	"lateraltutor/internal/types"
)

// Options wires a Server.
type Options struct {
	Orchestrator *dialogue.Orchestrator
	Registry     *dialogue.Registry // defaults to an empty registry
	Store        types.Store        // nil disables the persistence routes
	Mode         string             // gin mode; empty keeps the current one
	NewID        func() string      // session ids; defaults to uuid v4
}

// Server is the HTTP host.
type Server struct {
	orch     *dialogue.Orchestrator
	registry *dialogue.Registry
	store    types.Store
	newID    func() string
	engine   *gin.Engine
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	s := &Server{
		orch:     opts.Orchestrator,
		registry: opts.Registry,
		store:    opts.Store,
		newID:    opts.NewID,
	}
	if s.registry == nil {
		s.registry = dialogue.NewRegistry()
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.NewString() }
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/healthz", s.healthz)

	api := r.Group("/api")
	{
		sessions := api.Group("/sessions")
		sessions.POST("", s.createSession)
		sessions.GET("/:id", s.getSession)
		sessions.POST("/:id/turns", s.postTurn)
		sessions.POST("/:id/verification", s.retryVerification)
		sessions.POST("/:id/flush", s.retryFlush)
		sessions.GET("/:id/export", s.exportSession)

		api.POST("/log", s.postLog)
		api.POST("/captcha", s.postCaptcha)
		api.GET("/test-db", s.testDB)
	}
	s.engine = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Registry returns the live session registry.
func (s *Server) Registry() *dialogue.Registry { return s.registry }
