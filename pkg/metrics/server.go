package metrics

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
)

// AdminMux serves /metrics plus any extra routes, such as the health checks, so
// they stay reachable on the admin port when the API port is saturated. The
// index page links every mounted path.
func AdminMux(routes map[string]http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	paths := []string{"/metrics"}
	for path, h := range routes {
		mux.Handle("GET "+path, h)
		paths = append(paths, path)
	}
	slices.Sort(paths)

	var links strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&links, `<li><a href="%[1]s">%[1]s</a></li>`, html.EscapeString(p))
	}
	index := `<html><body><h1>Actor Ingestion Admin</h1><ul>` + links.String() + `</ul></body></html>`
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, index)
	})
	return mux
}

// StartServer serves AdminMux(routes) on port in the background and returns
// its shutdown function.
func StartServer(port int, routes map[string]http.Handler) (shutdown func(context.Context) error) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      AdminMux(routes),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("admin server listening", "addr", server.Addr, "routes", len(routes)+1)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "error", err)
		}
	}()

	return server.Shutdown
}
