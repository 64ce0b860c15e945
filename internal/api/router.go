package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"redpocket2mqtt/internal/auth"
	"redpocket2mqtt/internal/config"
	"redpocket2mqtt/internal/events"
	"redpocket2mqtt/internal/integration"
	"redpocket2mqtt/internal/platform"
	"redpocket2mqtt/internal/updater"
)

// ServerConfig holds the API server dependencies
type ServerConfig struct {
	Config     *config.Config
	Manager    *integration.Manager
	Platforms  *platform.Registry
	EventStore *events.Store
	Updater    *updater.Updater // nil disables the update endpoints
	Logger     *log.Logger
}

// Server represents the API server
type Server struct {
	router        *chi.Mux
	authenticator *auth.Authenticator
	jwtManager    *auth.JWTManager
	authMw        *auth.Middleware
	wsTokenStore  *auth.WSTokenStore
	rateLimiter   *auth.LoginRateLimiter
	eventStore    *events.Store
	config        *config.Config
	manager       *integration.Manager
	platforms     *platform.Registry
	updater       *updater.Updater
	logger        *log.Logger
}

// NewServer creates the API server and registers all routes
func NewServer(sc ServerConfig) *Server {
	logger := sc.Logger
	if logger == nil {
		logger = log.Default()
	}
	eventStore := sc.EventStore
	if eventStore == nil {
		eventStore = events.NewStore(100)
	}
	jwtManager := auth.NewJWTManager(sc.Config.JWTSecret(), sc.Config.JWTExpiration())

	s := &Server{
		router:        chi.NewRouter(),
		authenticator: auth.NewAuthenticator(sc.Config),
		jwtManager:    jwtManager,
		authMw:        auth.NewMiddleware(jwtManager),
		wsTokenStore:  auth.NewWSTokenStore(),
		rateLimiter:   auth.NewLoginRateLimiter(),
		eventStore:    eventStore,
		config:        sc.Config,
		manager:       sc.Manager,
		platforms:     sc.Platforms,
		updater:       sc.Updater,
		logger:        logger,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	authHandler := NewAuthHandler(s.authenticator, s.jwtManager, s.wsTokenStore, s.rateLimiter, s.eventStore)
	accountHandler := NewAccountHandler(s.manager)
	lineHandler := NewLineHandler(s.manager, s.eventStore)
	streamHandler := NewStreamHandler(s.manager, s.wsTokenStore, s.logger)
	eventsHandler := NewEventsHandler(s.eventStore)
	platformHandler := NewPlatformHandler(s.platforms, s.eventStore)
	updateHandler := NewUpdateHandler(s.updater, s.eventStore, s.logger)

	// Public routes
	r.Post("/api/auth/login", authHandler.Login)

	r.Group(func(r chi.Router) {
		if !s.config.NoAuth() {
			r.Use(s.authMw.RequireAuth)
		} else {
			r.Use(s.fakeAuthMiddleware)
		}

		// Auth
		r.Post("/api/auth/logout", authHandler.Logout)
		r.Get("/api/auth/me", authHandler.Me)
		r.Get("/api/auth/ws-token", authHandler.WSToken)

		// Events
		r.Get("/api/events", eventsHandler.List)

		// Account
		r.Get("/api/account", accountHandler.Get)
		r.With(s.authMw.RequireAdmin).Post("/api/account", accountHandler.Configure)
		r.With(s.authMw.RequireAdmin).Put("/api/account", accountHandler.UpdateOptions)

		// Lines and sensors
		r.Get("/api/lines", lineHandler.List)
		r.Get("/api/lines/{number}", lineHandler.Get)
		r.Post("/api/lines/{number}/refresh", lineHandler.Refresh)
		r.Get("/api/sensors", lineHandler.Sensors)

		// Live refresh stream
		r.Get("/api/ws", streamHandler.Connect)

		// Platforms
		r.Get("/api/platforms", platformHandler.List)
		r.Get("/api/platforms/{name}", platformHandler.Get)
		r.With(s.authMw.RequireAdmin).Post("/api/platforms/{name}/enable", platformHandler.Enable)
		r.With(s.authMw.RequireAdmin).Post("/api/platforms/{name}/disable", platformHandler.Disable)

		// Updates
		r.Get("/api/system/version", updateHandler.Version)
		r.Get("/api/system/update/check", updateHandler.Check)
		r.Get("/api/system/update/status", updateHandler.Status)
		r.Post("/api/system/update", updateHandler.Perform)
	})

	s.registerPlatformRoutes(r)
}

// registerPlatformRoutes registers the routes of every platform.
// A route answers 404 while its platform is disabled.
func (s *Server) registerPlatformRoutes(r chi.Router) {
	if s.platforms == nil {
		return
	}

	for _, p := range s.platforms.All() {
		name := p.Name()
		for _, route := range p.Routes() {
			var handler http.Handler = s.platformGate(name, route.Handler)

			if route.RequireAuth {
				if s.config.NoAuth() {
					handler = s.fakeAuthMiddleware(handler)
				} else {
					handler = s.authMw.RequireAuth(handler)
				}
			}

			switch route.Method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				r.Method(route.Method, route.Path, handler)
			default:
				s.logger.Printf("Unknown HTTP method for platform route: %s %s", route.Method, route.Path)
				continue
			}

			s.logger.Printf("Registered platform route: %s %s (auth=%v, platform=%s)",
				route.Method, route.Path, route.RequireAuth, name)
		}
	}
}

// platformGate answers 404 unless the platform is running
func (s *Server) platformGate(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.platforms.IsRunning(name) {
			http.NotFound(w, r)
			return
		}
		next(w, r)
	})
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Close stops the background cleanup of the auth stores
func (s *Server) Close() {
	s.rateLimiter.Stop()
	s.wsTokenStore.Stop()
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a {"error": msg} response
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fakeAuthMiddleware injects a fake admin user for no-auth mode
func (s *Server) fakeAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fakeUser := &auth.User{
			Username: "dev",
			Role:     auth.RoleAdmin,
		}
		next.ServeHTTP(w, r.WithContext(auth.SetUserContext(r.Context(), fakeUser)))
	})
}
