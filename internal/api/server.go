// Package api exposes the control surface over HTTP: start/stop/status/update_config
// plus a server-sent event stream of typed EventBus messages.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/windrift/scavenger-miner/internal/config"
	"github.com/windrift/scavenger-miner/internal/configstore"
	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/orchestrator"
	"github.com/windrift/scavenger-miner/internal/util"
)

const eventHeartbeat = 30 * time.Second

// streamTopics are the topics relayed to subscribe_events clients.
var streamTopics = []eventbus.Topic{
	eventbus.TopicStatus,
	eventbus.TopicSolution,
	eventbus.TopicSolutionResult,
	eventbus.TopicHashProgress,
	eventbus.TopicRegistrationProgress,
	eventbus.TopicWorkerUpdate,
	eventbus.TopicChallengeRotated,
	eventbus.TopicStabilityCheck,
	eventbus.TopicHashrateDropped,
	eventbus.TopicError,
}

// Server is the gin-based control surface.
type Server struct {
	cfg      config.APIConfig
	security config.SecurityConfig
	core     *orchestrator.Core
	bus      *eventbus.Bus
	router   *gin.Engine
	server   *http.Server
}

// NewServer wires a control surface around an already-constructed orchestrator Core.
func NewServer(cfg config.APIConfig, security config.SecurityConfig, core *orchestrator.Core, bus *eventbus.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{cfg: cfg, security: security, core: core, bus: bus, router: router}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := "*"
		if len(s.cfg.CORSOrigins) > 0 {
			origin = s.cfg.CORSOrigins[0]
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/events", s.handleEvents)
		api.GET("/events/ws", s.handleEventsWS)

		control := api.Group("/")
		if s.security.AdminEnabled {
			control.Use(s.adminAuthMiddleware())
		}
		{
			control.POST("start", s.handleStart)
			control.POST("stop", s.handleStop)
			control.POST("config", s.handleUpdateConfig)
		}
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// Start begins serving the control surface.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	s.server = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.router,
	}

	util.Infof("api server listening on %s", s.cfg.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("api server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the control surface's HTTP server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// adminAuthMiddleware validates the admin password via an Authorization header.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, gin.H{"error": "authorization required"})
			c.Abort()
			return
		}

		password := strings.TrimPrefix(auth, "Bearer ")
		if password != s.security.AdminPassword {
			c.JSON(403, gin.H{"error": "invalid password"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// startRequest is the start(password) request body.
type startRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := s.core.Start(ctx, req.Password); err != nil {
		c.JSON(500, gin.H{"ok": false, "error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"ok": true, "stats": s.core.Status()})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.core.Stop(); err != nil {
		c.JSON(500, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(200, s.core.Status())
}

// updateConfigRequest mirrors configstore.Patch with JSON field names matching the
// persisted wire format.
type updateConfigRequest struct {
	AddressOffset *uint32 `json:"addressOffset"`
	WorkerThreads *uint32 `json:"workerThreads"`
	BatchSize     *uint32 `json:"batchSize"`
	DevFeeEnabled *bool   `json:"devFeeEnabled"`
	AutoResume    *bool   `json:"autoResume"`
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request"})
		return
	}

	patch := configstore.Patch{
		AddressOffset: req.AddressOffset,
		WorkerThreads: req.WorkerThreads,
		BatchSize:     req.BatchSize,
		DevFeeEnabled: req.DevFeeEnabled,
		AutoResume:    req.AutoResume,
	}

	cfg, err := s.core.UpdateConfig(patch)
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, cfg)
}

// handleEvents streams typed EventBus messages as server-sent events, one subscription
// per topic this surface relays, fanned into a single response stream. A "heartbeat"
// event is sent every 30s so idle connections are not reaped by intermediate proxies.
func (s *Server) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	subs := make([]*eventbus.Subscription, len(streamTopics))
	for i, topic := range streamTopics {
		subs[i] = s.bus.Subscribe(topic)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	out := make(chan sseMessage, 64)
	ctx := c.Request.Context()
	for i, topic := range streamTopics {
		go relaySubscription(ctx, topic, subs[i], out)
	}

	ticker := time.NewTicker(eventHeartbeat)
	defer ticker.Stop()

	c.Stream(func(w http.ResponseWriter) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			c.SSEvent("heartbeat", "")
			return true
		case msg := <-out:
			c.SSEvent(msg.topic, msg.event)
			return true
		}
	})
}

type sseMessage struct {
	topic string
	event eventbus.Event
}

func relaySubscription(ctx context.Context, topic eventbus.Topic, sub *eventbus.Subscription, out chan<- sseMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			select {
			case out <- sseMessage{topic: string(topic), event: evt}:
			case <-ctx.Done():
				return
			}
		}
	}
}
