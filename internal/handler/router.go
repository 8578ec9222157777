package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	custommiddleware "github.com/mmeshcher/storybook/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса персональных книг.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	if h.opts.Images != nil {
		r.Handle("/images/*", h.opts.Images)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/payment", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.identity.Resolve)

			r.Post("/auth/signin", h.SignIn)

			r.Group(func(r chi.Router) {
				r.Use(h.identity.RequireAccount)

				r.Get("/credits", h.GetCredits)
				r.Get("/credits/history", h.GetHistory)

				r.Get("/books", h.ListBooks)
				r.Get("/books/{bookID}", h.GetBook)
				r.Put("/books/{bookID}/pages/{page}", h.UpdatePage)
				r.Get("/books/{bookID}/pdf", h.ExportPDF)

				r.Group(func(r chi.Router) {
					r.Use(httprate.LimitByIP(h.opts.GenerationRateLimit, time.Minute))

					r.Post("/books", h.CreateBook)
					r.Post("/books/{bookID}/pages/{page}/regenerate", h.RegeneratePage)
				})

				r.Post("/admin/accounts/{accountID}/credits", h.AdjustCredits)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
