package cloudguard

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server is the HTTP surface over the detection pipeline. It owns routing
// and the error envelope; all domain behavior lives in the components it
// delegates to.
type Server struct {
	app       *fiber.App
	limiter   *RateLimiter
	pipeline  *DetectionPipeline
	ledger    *FindingLedger
	audit     AuditStore
	providers *ProviderRegistry
	logger    zerolog.Logger
	metrics   MetricsCollector
}

func NewServer(
	cfg ServerConfig,
	limiter *RateLimiter,
	pipeline *DetectionPipeline,
	ledger *FindingLedger,
	audit AuditStore,
	providers *ProviderRegistry,
	logger zerolog.Logger,
	metrics MetricsCollector,
) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout.Std(),
		WriteTimeout:          cfg.WriteTimeout.Std(),
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(fiber.Map{
					"error":   "request_error",
					"message": fe.Message,
				})
			}
			logger.Error().Err(err).Str("path", c.Path()).Msg("unhandled request error")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "internal_error",
				"message": "internal server error",
			})
		},
	})

	s := &Server{
		app:       app,
		limiter:   limiter,
		pipeline:  pipeline,
		ledger:    ledger,
		audit:     audit,
		providers: providers,
		logger:    logger.With().Str("component", "server").Logger(),
		metrics:   metrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Post("/samples", s.handleSample)
	s.app.Get("/ratelimit/config", s.handleGetRateLimitConfig)
	s.app.Post("/ratelimit/config", s.handleSetRateLimitConfig)
	s.app.Get("/findings", s.handleFindings)
	s.app.Get("/remediations", s.handleRemediations)
	s.app.Get("/policies/:provider", s.handlePolicies)
	s.app.Post("/events", s.handleCreateEvent)
	s.app.Get("/events", s.handleListEvents)
	s.app.Post("/alerts", s.handleCreateAlert)
	s.app.Get("/alerts", s.handleListAlerts)
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen blocks serving on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("http server listening")
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests within the given grace period.
func (s *Server) Shutdown(grace time.Duration) error {
	return s.app.ShutdownWithTimeout(grace)
}

type sampleRequest struct {
	OriginID string           `json:"origin_id"`
	Provider string           `json:"provider"`
	Traffic  *TrafficFeatures `json:"traffic"`
	Config   *ConfigSnapshot  `json:"config"`
}

func (s *Server) handleSample(c *fiber.Ctx) error {
	var req sampleRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed JSON body")
	}
	if req.Traffic == nil && req.Config == nil {
		return badRequest(c, "sample must carry traffic data, config data, or both")
	}
	provider, ok := ParseProvider(req.Provider)
	if !ok {
		return badRequest(c, "unknown provider: "+req.Provider)
	}

	originID := req.OriginID
	if originID == "" {
		originID = c.IP()
	}

	decision, err := s.limiter.Admit(c.Context(), originID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":   ErrRateLimited.Error(),
			"message": "request budget exhausted for origin " + originID,
		})
	}

	sample := &Sample{
		OriginID:  originID,
		Timestamp: time.Now(),
		Traffic:   req.Traffic,
		Config:    req.Config,
		Provider:  provider,
	}
	result, err := s.pipeline.Evaluate(c.Context(), sample)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return badRequest(c, err.Error())
		}
		return err
	}

	return c.JSON(fiber.Map{
		"origin_id":  originID,
		"remaining":  decision.Remaining,
		"verdict":    result.Verdict,
		"violations": result.Violations,
		"findings":   result.Findings,
	})
}

func limiterConfigJSON(snap *LimiterSnapshot) fiber.Map {
	return fiber.Map{
		"rate_limit":  snap.Limit,
		"time_window": int(snap.Window.Seconds()),
		"whitelist":   snap.Whitelist(),
	}
}

func (s *Server) handleGetRateLimitConfig(c *fiber.Ctx) error {
	return c.JSON(limiterConfigJSON(s.limiter.Snapshot()))
}

type rateLimitRequest struct {
	RateLimit  int      `json:"rate_limit"`
	TimeWindow int      `json:"time_window"`
	Whitelist  []string `json:"whitelist"`
}

func (s *Server) handleSetRateLimitConfig(c *fiber.Ctx) error {
	var req rateLimitRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed JSON body")
	}
	if req.RateLimit <= 0 {
		return badRequest(c, "rate_limit must be positive")
	}
	if req.TimeWindow <= 0 {
		return badRequest(c, "time_window must be positive")
	}

	cfg := RateLimitConfig{
		Limit:     req.RateLimit,
		Window:    Duration(time.Duration(req.TimeWindow) * time.Second),
		Whitelist: req.Whitelist,
	}
	s.limiter.Update(cfg)
	s.logger.Info().Int("rate_limit", req.RateLimit).Int("time_window", req.TimeWindow).Msg("rate limit config updated")

	return c.JSON(limiterConfigJSON(s.limiter.Snapshot()))
}

func (s *Server) handleFindings(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"entries": s.ledger.Snapshot(),
		"summary": s.ledger.Summary(),
	})
}

func (s *Server) handleRemediations(c *fiber.Ctx) error {
	records, err := s.audit.Remediations(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"remediations": records})
}

func (s *Server) handlePolicies(c *fiber.Ctx) error {
	provider, ok := ParseProvider(c.Params("provider"))
	if !ok {
		return badRequest(c, "unknown provider: "+c.Params("provider"))
	}
	adapter, ok := s.providers.Get(provider)
	if !ok {
		return badRequest(c, "no adapter registered for provider: "+string(provider))
	}
	policies, err := adapter.FetchPolicies(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"provider": provider, "policies": policies})
}

type eventRequest struct {
	EventType   string `json:"event_type"`
	Description string `json:"description"`
}

func (s *Server) handleCreateEvent(c *fiber.Ctx) error {
	var req eventRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed JSON body")
	}
	if req.EventType == "" {
		return badRequest(c, "event_type is required")
	}
	ev := SecurityEvent{
		ID:          uuid.NewString(),
		EventType:   req.EventType,
		Description: req.Description,
		Timestamp:   newTimestamp(),
		Status:      "pending",
	}
	if err := s.audit.AppendEvent(c.Context(), ev); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(ev)
}

func (s *Server) handleListEvents(c *fiber.Ctx) error {
	events, err := s.audit.Events(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"events": events})
}

type alertRequest struct {
	AlertType   string `json:"alert_type"`
	Description string `json:"description"`
}

func (s *Server) handleCreateAlert(c *fiber.Ctx) error {
	var req alertRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed JSON body")
	}
	if req.AlertType == "" {
		return badRequest(c, "alert_type is required")
	}
	al := Alert{
		ID:          uuid.NewString(),
		AlertType:   req.AlertType,
		Description: req.Description,
		Timestamp:   newTimestamp(),
		Status:      "active",
	}
	if err := s.audit.AppendAlert(c.Context(), al); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(al)
}

func (s *Server) handleListAlerts(c *fiber.Ctx) error {
	alerts, err := s.audit.Alerts(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"alerts": alerts})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	checks := fiber.Map{"counter_store": "ok", "audit_store": "ok"}
	if err := s.limiter.HealthCheck(ctx); err != nil {
		checks["counter_store"] = err.Error()
		status = fiber.StatusServiceUnavailable
	}
	if err := s.audit.HealthCheck(ctx); err != nil {
		checks["audit_store"] = err.Error()
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"status": statusWord(status), "checks": checks})
}

func statusWord(code int) string {
	if code == fiber.StatusOK {
		return "healthy"
	}
	return "degraded"
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/plain; version=0.0.4")
	return c.SendString(s.metrics.ExportPrometheus())
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":   ErrValidation.Error(),
		"message": message,
	})
}
