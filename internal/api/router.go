package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loanconsult/crm/internal/store"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", apiHandler.HealthHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Post("/line/webhook", apiHandler.WebhookHandler)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Get("/me", apiHandler.MeHandler)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(store.RoleAdmin))
				r.Get("/users", apiHandler.ListUsersHandler)
				r.Post("/users", apiHandler.CreateUserHandler)
				r.Put("/users/{id}", apiHandler.UpdateUserHandler)
				r.Delete("/users/{id}", apiHandler.DeleteUserHandler)
				r.Get("/jobs/failed", apiHandler.FailedJobsHandler)
			})

			r.Route("/customers", func(r chi.Router) {
				r.Get("/", apiHandler.ListCustomersHandler)
				r.Post("/", apiHandler.CreateCustomerHandler)
				r.With(RequireRole(store.RoleManager)).Get("/export", apiHandler.ExportCustomersHandler)
				r.Get("/{id}", apiHandler.GetCustomerHandler)
				r.Put("/{id}", apiHandler.UpdateCustomerHandler)
				r.Delete("/{id}", apiHandler.DeleteCustomerHandler)
				r.With(RequireRole(store.RoleManager)).Put("/{id}/assign", apiHandler.AssignCustomerHandler)
				r.Get("/{id}/cases", apiHandler.ListCasesHandler)
				r.Post("/{id}/cases", apiHandler.CreateCaseHandler)
				r.Get("/{id}/leads", apiHandler.ListLeadsHandler)
				r.Post("/{id}/leads", apiHandler.CreateLeadHandler)
			})
			r.Put("/cases/{id}", apiHandler.UpdateCaseHandler)

			r.Route("/chats", func(r chi.Router) {
				r.Get("/conversations", apiHandler.ListConversationsHandler)
				r.Get("/incremental", apiHandler.IncrementalHandler)
				r.Get("/ws", apiHandler.hub.ServeWS)
				r.With(RequireRole(store.RoleAdmin)).Post("/sync", apiHandler.BatchSyncHandler)
				r.Get("/{lineUserID}/messages", apiHandler.ListMessagesHandler)
				r.Post("/{lineUserID}/reply", apiHandler.ReplyHandler)
				r.Post("/{lineUserID}/read", apiHandler.MarkReadHandler)
				r.Post("/{lineUserID}/draft", apiHandler.DraftHandler)
				r.Delete("/{lineUserID}", apiHandler.DeleteConversationHandler)
			})
		})
	})

	return r
}
