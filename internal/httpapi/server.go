// Package httpapi exposes the payment and cashout core over HTTP and websockets.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fivebest/settlement/pkg/cashout"
	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/fivebest/settlement/pkg/payment"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	adminRole        = "admin"
	defaultListLimit = 50
	paymentLabel     = "5best"
	requestTimeout   = 15 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// ErrInvalidServerConfig reports a router built without a collaborator.
var ErrInvalidServerConfig = errors.New("invalid http server config")

// Config controls the HTTP surface.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	// ShutdownTimeout bounds graceful shutdown; zero uses the default.
	ShutdownTimeout time.Duration
}

// Dependencies are the domain services behind the routes.
type Dependencies struct {
	Ledger    *ledger.Service
	Settler   *payment.Settler
	Poller    *payment.Poller
	Cashouts  *cashout.Service
	Validator *sessionvalidator.Validator
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

func (dependencies Dependencies) validate() error {
	switch {
	case dependencies.Ledger == nil:
		return fmt.Errorf("%w: ledger service is nil", ErrInvalidServerConfig)
	case dependencies.Settler == nil:
		return fmt.Errorf("%w: settler is nil", ErrInvalidServerConfig)
	case dependencies.Poller == nil:
		return fmt.Errorf("%w: poller is nil", ErrInvalidServerConfig)
	case dependencies.Cashouts == nil:
		return fmt.Errorf("%w: cashout service is nil", ErrInvalidServerConfig)
	case dependencies.Validator == nil:
		return fmt.Errorf("%w: session validator is nil", ErrInvalidServerConfig)
	}
	return nil
}

// Run serves the router on cfg.ListenAddr until ctx is cancelled.
func Run(ctx context.Context, cfg Config, dependencies Dependencies) error {
	router, err := NewRouter(cfg, dependencies)
	if err != nil {
		return err
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = shutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires every route.
func NewRouter(cfg Config, dependencies Dependencies) (*gin.Engine, error) {
	if err := dependencies.validate(); err != nil {
		return nil, err
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Gatherer == nil {
		dependencies.Gatherer = prometheus.DefaultGatherer
	}
	handler := &httpHandler{
		logger:   dependencies.Logger,
		ledger:   dependencies.Ledger,
		settler:  dependencies.Settler,
		poller:   dependencies.Poller,
		cashouts: dependencies.Cashouts,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(dependencies.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.Use(dependencies.Validator.GinMiddleware(claimsContextKey))

	api.POST("/payments", handler.handleCreatePayment)
	api.POST("/payments/verify", handler.handleVerifyPayment)
	api.GET("/payments/:reference/watch", handler.handleWatchPayment)
	api.POST("/purchases/balance", handler.handlePurchaseWithBalance)
	api.GET("/balances", handler.handleBalances)
	api.POST("/cashouts", handler.handleCreateCashout)
	api.GET("/cashouts", handler.handleListCashouts)

	admin := api.Group("/admin")
	admin.Use(requireRole(adminRole))
	admin.GET("/cashouts", handler.handleAdminListCashouts)
	admin.GET("/cashouts/:id", handler.handleAdminGetCashout)
	admin.POST("/cashouts/:id/approve", handler.handleApproveCashout)
	admin.POST("/cashouts/:id/reject", handler.handleRejectCashout)
	admin.POST("/cashouts/:id/sent", handler.handleMarkSentCashout)
	admin.POST("/cashouts/:id/confirm", handler.handleConfirmCashout)
	admin.POST("/cashouts/:id/fail", handler.handleFailCashout)

	return router, nil
}

type httpHandler struct {
	logger   *zap.Logger
	ledger   *ledger.Service
	settler  *payment.Settler
	poller   *payment.Poller
	cashouts *cashout.Service
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code, message := statusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		handler.logger.Error(operation+" failed", zap.Error(err))
	} else {
		handler.logger.Debug(operation+" rejected", zap.String("code", code), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

// sessionUser returns the caller's validated user id, answering 401 when absent.
func sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid session"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
			return
		}
		for _, candidate := range claims.GetUserRoles() {
			if strings.EqualFold(strings.TrimSpace(candidate), role) {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(errorCodeForbidden, "admin role required"))
	}
}

func requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), requestTimeout)
}
