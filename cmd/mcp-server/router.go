package main

import (
	"encoding/json"
	"net/http"

	"github.com/TangGee/mcp-toolserver"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type healthResponse struct {
	Status string `json:"status"`
	Tools  int    `json:"tools"`
}

func newRouter(sse *mcp.SSEServer, reg *mcp.ToolRegistry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/sse", sse.HandleSSE())
	r.Method(http.MethodPost, messagesPath, sse.HandleMessage())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Tools: reg.Len()})
	})

	return r
}
