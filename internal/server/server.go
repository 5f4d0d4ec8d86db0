package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/hapo/internal/account"
	"github.com/dukerupert/hapo/internal/backend"
	"github.com/dukerupert/hapo/internal/config"
	"github.com/dukerupert/hapo/internal/feed"
	"github.com/dukerupert/hapo/internal/handler"
	"github.com/dukerupert/hapo/internal/ledger"
	"github.com/dukerupert/hapo/internal/middleware"
	"github.com/dukerupert/hapo/internal/requests"
	"github.com/dukerupert/hapo/internal/token"
	ws "github.com/dukerupert/hapo/internal/websocket"
)

type Server struct {
	backend     *backend.Backend
	broker      *feed.Broker
	hub         *ws.Hub
	accounts    *account.Service
	ledger      *ledger.Service
	workflow    *requests.Workflow
	authH       *handler.AuthHandler
	childrenH   *handler.ChildrenHandler
	requestH    *handler.RequestHandler
	wsH         *ws.Handler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

// Options tune the services for tests; production passes none.
type Options struct {
	Account []account.Option
	Ledger  []ledger.Option
	Token   []token.Option
}

func New(b *backend.Backend, cfg *config.Config, deliverer account.Deliverer, logger *slog.Logger, opts Options) *Server {
	broker := feed.NewBroker(logger)
	hub := ws.NewHub(logger)

	issuer := token.NewIssuer(cfg.TokenSecret, append([]token.Option{token.WithTTL(cfg.AccessTTL)}, opts.Token...)...)
	accounts := account.NewService(b.Accounts, b.Codes, b.Sessions, deliverer, issuer, logger,
		append([]account.Option{account.WithRefreshTTL(cfg.RefreshTTL)}, opts.Account...)...)
	ledgerSvc := ledger.NewService(b.Ledger, broker, logger, opts.Ledger...)
	workflow := requests.NewWorkflow(b.Requests, b.Accounts, ledgerSvc, broker, logger)

	return &Server{
		backend:     b,
		broker:      broker,
		hub:         hub,
		accounts:    accounts,
		ledger:      ledgerSvc,
		workflow:    workflow,
		authH:       handler.NewAuthHandler(accounts, cfg.SecureCookies, logger.With("component", "auth")),
		childrenH:   handler.NewChildrenHandler(accounts, ledgerSvc, logger.With("component", "children")),
		requestH:    handler.NewRequestHandler(workflow, logger.With("component", "requests")),
		wsH:         ws.NewHandler(hub, ledgerSvc, accounts, cfg.PollInterval, cfg.WSOrigins, logger),
		rateLimiter: middleware.NewRateLimiter(cfg.AuthRateLimit, cfg.AuthRateWindow),
		logger:      logger,
	}
}

// Start runs the hub and the rate limiter sweep until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx, s.broker)
	go s.rateLimiter.Run(ctx)
}

// Backend returns the storage backend for cleanup tasks.
func (s *Server) Backend() *backend.Backend {
	return s.backend
}

func (s *Server) Accounts() *account.Service {
	return s.accounts
}

func (s *Server) Ledger() *ledger.Service {
	return s.ledger
}

func (s *Server) Broker() *feed.Broker {
	return s.broker
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("POST /api/auth/signup", s.rateLimited(s.authH.SignUp))
	outerMux.HandleFunc("POST /api/auth/verify-email", s.rateLimited(s.authH.VerifyEmail))
	outerMux.HandleFunc("POST /api/auth/resend-verification", s.rateLimited(s.authH.ResendVerification))
	outerMux.HandleFunc("POST /api/auth/signin", s.rateLimited(s.authH.SignIn))
	outerMux.HandleFunc("POST /api/auth/mfa/verify", s.rateLimited(s.authH.VerifyMFA))
	outerMux.HandleFunc("POST /api/auth/mfa/resend", s.rateLimited(s.authH.ResendMFA))
	outerMux.HandleFunc("POST /api/auth/refresh", s.rateLimited(s.authH.Refresh))
	outerMux.HandleFunc("POST /api/auth/validate", s.rateLimited(s.authH.Validate))
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Protected routes, wrapped with RequireAuth
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.accounts)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"backend":     s.backend.Name,
		"connections": s.hub.ClientCount(),
	})
}

func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.RealIP)(h)
	return rl.ServeHTTP
}

func parentOnly(h http.HandlerFunc) http.Handler {
	return middleware.RequireParent(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/logout", s.authH.Logout)
	mux.HandleFunc("GET /api/me", s.authH.Me)

	// Children and balances
	mux.Handle("GET /api/children", parentOnly(s.childrenH.List))
	mux.Handle("POST /api/children", parentOnly(s.childrenH.Create))
	mux.Handle("PUT /api/children/{id}/limits", parentOnly(s.childrenH.SetLimits))
	mux.Handle("POST /api/children/{id}/transfers", parentOnly(s.childrenH.Transfer))
	mux.HandleFunc("GET /api/children/{id}/balance", s.childrenH.Balance)
	mux.HandleFunc("GET /api/children/{id}/transactions", s.childrenH.Transactions)
	mux.HandleFunc("GET /api/transactions", s.childrenH.AllTransactions)

	// Money requests
	mux.HandleFunc("GET /api/requests", s.requestH.List)
	mux.HandleFunc("POST /api/requests", s.requestH.Create)
	mux.Handle("POST /api/requests/{id}/approve", parentOnly(s.requestH.Approve))
	mux.Handle("POST /api/requests/{id}/decline", parentOnly(s.requestH.Decline))

	// WebSocket
	mux.Handle("GET /ws", s.wsH)
}
