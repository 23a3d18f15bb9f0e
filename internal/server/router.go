package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/activation"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/invite"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/stats"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/translate"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const adminSubjectContextKey = "entl_admin_subject"

var (
	errMissingDevicesService    = errors.New("devices service dependency required")
	errMissingLedgerService     = errors.New("ledger service dependency required")
	errMissingActivationService = errors.New("activation service dependency required")
	errMissingInviteService     = errors.New("invite service dependency required")
	errMissingOrdersService     = errors.New("orders service dependency required")
	errMissingStatsService      = errors.New("stats service dependency required")
	errMissingTokenManager      = errors.New("admin token manager dependency required")
	errMissingPasswordVerifier  = errors.New("admin password verifier dependency required")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

type AdminTokenManager interface {
	IssueAdminToken(ctx context.Context) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type PasswordVerifier interface {
	Verify(password string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Dependencies wires the HTTP layer. Translator, Limiter, Realtime and
// Metrics are optional.
type Dependencies struct {
	Devices        *devices.Service
	Ledger         *ledger.Service
	Activation     *activation.Service
	Invites        *invite.Service
	Orders         *orders.Service
	Stats          *stats.Service
	Translator     *translate.Orchestrator
	Tokens         AdminTokenManager
	Passwords      PasswordVerifier
	Limiter        RateLimiter
	Realtime       *RealtimeDispatcher
	Metrics        *metrics.Recorder
	AllowedOrigins []string
	Logger         *zap.Logger
}

func (deps Dependencies) validate() error {
	switch {
	case deps.Devices == nil:
		return errMissingDevicesService
	case deps.Ledger == nil:
		return errMissingLedgerService
	case deps.Activation == nil:
		return errMissingActivationService
	case deps.Invites == nil:
		return errMissingInviteService
	case deps.Orders == nil:
		return errMissingOrdersService
	case deps.Stats == nil:
		return errMissingStatsService
	case deps.Tokens == nil:
		return errMissingTokenManager
	case deps.Passwords == nil:
		return errMissingPasswordVerifier
	}
	return nil
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		devices:           deps.Devices,
		ledger:            deps.Ledger,
		activation:        deps.Activation,
		invites:           deps.Invites,
		orders:            deps.Orders,
		stats:             deps.Stats,
		translator:        deps.Translator,
		tokens:            deps.Tokens,
		passwords:         deps.Passwords,
		limiter:           deps.Limiter,
		realtime:          realtime,
		metrics:           deps.Metrics,
		logger:            logger,
		heartbeatInterval: realtimeHeartbeatInterval,
	}

	router.POST("/usage/check", handler.handleCheck)
	router.POST("/usage/consume", handler.handleConsume)
	router.POST("/usage/restore", handler.handleRestore)
	router.GET("/usage/stream", handler.handleStream)
	router.POST("/translate", handler.handleTranslate)

	limited := router.Group("/")
	limited.Use(handler.rateLimit)
	limited.POST("/activate", handler.handleActivate)
	limited.POST("/invite/generate", handler.handleInviteGenerate)
	limited.POST("/invite/use", handler.handleInviteUse)

	router.POST("/admin/login", handler.handleAdminLogin)

	admin := router.Group("/")
	admin.Use(handler.authorizeAdmin)
	admin.POST("/admin/auth", handler.handleAdminAuth)
	admin.GET("/admin/activation-codes", handler.handleListCodes)
	admin.POST("/admin/activation-codes", handler.handleCreateCodes)
	admin.DELETE("/admin/activation-codes", handler.handleDeleteCode)
	admin.GET("/admin/stats", handler.handleStats)
	admin.GET("/admin/orders", handler.handleListOrders)
	admin.POST("/admin/orders", handler.handleCreateOrder)
	admin.PATCH("/admin/orders/:id", handler.handleUpdateOrder)
	admin.POST("/admin/orders/:id/fulfill", handler.handleFulfillOrder)
	admin.DELETE("/admin/orders/:id", handler.handleDeleteOrder)
	admin.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || containsString(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	devices           *devices.Service
	ledger            *ledger.Service
	activation        *activation.Service
	invites           *invite.Service
	orders            *orders.Service
	stats             *stats.Service
	translator        *translate.Orchestrator
	tokens            AdminTokenManager
	passwords         PasswordVerifier
	limiter           RateLimiter
	realtime          *RealtimeDispatcher
	metrics           *metrics.Recorder
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("admin token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, subject)
	c.Next()
}

// rateLimit throttles per route and client address. Limiter errors let the
// request through.
func (h *httpHandler) rateLimit(c *gin.Context) {
	if h.limiter == nil {
		c.Next()
		return
	}
	key := c.FullPath() + ":" + devices.ClientIP(c.Request, c.ClientIP())
	decision, err := h.limiter.Allow(c.Request.Context(), key)
	if err != nil {
		h.logger.Warn("rate limit check failed", zap.String("route", c.FullPath()), zap.Error(err))
		c.Next()
		return
	}
	if !decision.Allowed {
		seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
