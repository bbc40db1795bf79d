package api

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline/concierge/internal/api/middleware"
	"github.com/oakline/concierge/internal/audit"
	"github.com/oakline/concierge/internal/auth"
	"github.com/oakline/concierge/internal/chat"
	"github.com/oakline/concierge/internal/config"
	"github.com/oakline/concierge/internal/contacts"
	"github.com/oakline/concierge/internal/profile"
	"github.com/oakline/concierge/internal/syncstate"
	"github.com/oakline/concierge/internal/tokenvault"
)

// Server wires the HTTP surface to the underlying services. All handlers are
// methods on Server so they share the same dependencies.
type Server struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	logger *slog.Logger

	authSvc  *auth.Service
	google   *auth.GoogleProvider
	tokens   auth.TokenProvider
	vault    *tokenvault.Vault
	sync     *syncstate.Store
	contacts *contacts.Repo
	chat     *chat.Service
	profile  *profile.Repo
	auditor  audit.Service
}

// Deps collects everything NewServer needs. Fields are mandatory unless
// noted; a nil Auditor falls back to audit.Nop.
type Deps struct {
	Config   *config.Config
	Pool     *pgxpool.Pool
	Logger   *slog.Logger
	Auth     *auth.Service
	Google   *auth.GoogleProvider
	Tokens   auth.TokenProvider
	Vault    *tokenvault.Vault
	Sync     *syncstate.Store
	Contacts *contacts.Repo
	Chat     *chat.Service
	Profile  *profile.Repo
	Auditor  audit.Service
}

func NewServer(d Deps) *Server {
	auditor := d.Auditor
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Server{
		cfg:      d.Config,
		pool:     d.Pool,
		logger:   d.Logger,
		authSvc:  d.Auth,
		google:   d.Google,
		tokens:   d.Tokens,
		vault:    d.Vault,
		sync:     d.Sync,
		contacts: d.Contacts,
		chat:     d.Chat,
		profile:  d.Profile,
		auditor:  auditor,
	}
}

// Router builds the chi router with the full middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(middleware.RequestLogger)
	r.Use(middleware.PanicRecovery)
	r.Use(middleware.CORS(s.cfg.AllowedOrigins))

	limiter := middleware.NewIPRateLimiter(5, 10)
	r.Use(limiter.Middleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Public: federated sign-in.
		r.Get("/auth/google/login", s.handleGoogleLogin)
		r.Get("/auth/google/callback", s.handleGoogleCallback)

		// Everything else requires a valid bearer token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.tokens, s.cfg, s.auditor))
			r.Use(middleware.PIIContext(s.auditor))

			r.Get("/me", s.handleGetMe)
			r.Patch("/me/timezone", s.handleUpdateTimezone)

			r.Route("/contacts", func(r chi.Router) {
				r.Get("/", s.handleListContacts)
				r.Post("/", s.handleCreateContact)
				r.Get("/search", s.handleSearchContacts)
				r.Get("/{personID}", s.handleGetContact)
				r.Put("/{personID}", s.handleUpdateContact)
				r.Delete("/{personID}", s.handleDeleteContact)
				r.Get("/{personID}/relationships", s.handleListRelationships)
				r.Post("/{personID}/relationships", s.handleAddRelationship)
				r.Delete("/{personID}/relationships/{relationshipID}", s.handleEndRelationship)
			})

			r.Route("/chat/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Post("/", s.handleCreateSession)
				r.Get("/{sessionID}/messages", s.handleRecentMessages)
				r.Post("/{sessionID}/messages", s.handleAppendMessage)
				r.Post("/{sessionID}/archive", s.handleArchiveSession)
				r.Get("/{sessionID}/archive", s.handleReadArchive)
				r.Post("/{sessionID}/restore", s.handleRequestRestore)
			})

			r.Route("/profile", func(r chi.Router) {
				r.Get("/memories", s.handleListMemories)
				r.Put("/memories", s.handleUpsertMemory)
				r.Delete("/memories/{memoryID}", s.handleDeleteMemory)
				r.Get("/interests", s.handleListInterests)
				r.Post("/interests", s.handleAddInterest)
				r.Get("/dates/upcoming", s.handleUpcomingDates)
				r.Post("/dates", s.handleAddImportantDate)
				r.Get("/tasks", s.handleListTasks)
				r.Post("/tasks", s.handleCreateTask)
				r.Post("/tasks/{taskID}/complete", s.handleCompleteTask)
			})
		})
	})

	return r
}
