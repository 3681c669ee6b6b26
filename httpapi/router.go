// Package httpapi is the command-ingress/status-egress HTTP surface:
// one POST endpoint accepting the command envelope plus a handful of
// status GETs, wired with chi against an engine.Engine.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"labcell/engine"
)

type Handlers struct {
	eng *engine.Engine
}

func NewRouter(eng *engine.Engine) http.Handler {
	h := &Handlers{eng: eng}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/", h.handleHealth)
	r.Post("/", h.handleCommand)
	r.Get("/task/{taskID}", h.handleTaskStatus)
	r.Get("/queue/status", h.handleQueueStatus)

	return r
}
