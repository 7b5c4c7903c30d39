// Command routerd runs the request router.
//
// routerd composes responses by fanning a single inbound HTTP request out to
// a static set of downstream services arranged as a dependency graph, then
// aggregating their replies into one multipart response.
//
// # Configuration
//
// A single config file describes the listen address, the host groups, the
// dependency graphs and the route table:
//
//	{
//	  "port": 8080,
//	  "threads": 10,
//	  "hosts": {"users": ["127.0.0.1:9001"], "feed": ["127.0.0.1:9002"]},
//	  "graphs": {"main": {
//	      "services": ["users", {"name": "feed", "path": "/v2/feed"}],
//	      "deps": [{"a": "feed", "b": "users"}]
//	  }},
//	  "routes": [{"r": "/", "g": "main"}]
//	}
//
// YAML is accepted when the file ends in .yaml or .yml. Any configuration
// error (missing port, empty host group, unknown service, dependency cycle)
// exits with status 1 and a single diagnostic line.
//
// # Usage
//
//	go run ./cmd/routerd --config=routerd.json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kainwinterheart/routerd/config"
	"github.com/kainwinterheart/routerd/graph"
	"github.com/kainwinterheart/routerd/hostpool"
	"github.com/kainwinterheart/routerd/proxy"
	"github.com/kainwinterheart/routerd/stats"
)

func main() {
	configPath := flag.String("config", "", "Path to the routerd config file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	pool, err := hostpool.New(cfg.Hosts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var sinks []stats.Sink
	if cfg.Stats != nil && cfg.Stats.Postgres != nil {
		pg, err := stats.NewPostgresSink(cfg.Stats.Postgres)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer pg.Close()
		sinks = append(sinks, pg)
	}
	recorder := stats.NewRecorder(sinks...)

	handlers := make(map[string]*proxy.Handler, len(cfg.Graphs))
	for name, def := range cfg.Graphs {
		g, err := graph.Compile(name, def, pool)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		handlers[name] = proxy.NewHandler(g, pool, proxy.Options{
			AllowNestedRequests: cfg.AllowNestedRequests,
			CallTimeout:         cfg.Timeouts.CallTimeout(),
			RequestTimeout:      cfg.Timeouts.RequestTimeout(),
			Recorder:            recorder,
		})
	}

	router := newRouter(cfg, handlers, recorder)

	server := &http.Server{
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: the request deadline inside the proxy handler
		// bounds response time and must be allowed to flush partial
		// aggregates.
		IdleTimeout: 60 * time.Second,
	}

	listeners, err := listen(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		log.Printf("routerd: listening on %s", ln.Addr())
		go func(ln net.Listener) {
			errCh <- server.Serve(ln)
		}(ln)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("routerd: received %v, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("routerd: server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("routerd: shutdown: %v", err)
	}
}

// newRouter assembles the inbound chi router: middleware, service routes
// mounted by prefix, and the operational endpoints.
func newRouter(cfg *config.Config, handlers map[string]*proxy.Handler, recorder *stats.Recorder) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Throttle(cfg.Threads))

	if cfg.CORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/routerd/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recorder.Snapshot())
	})

	for _, route := range cfg.Routes {
		handler := handlers[route.Graph]
		if route.Pattern == "/" {
			r.Handle("/*", handler)
			continue
		}
		r.Mount(route.Pattern, handler)
	}

	return r
}

// listen opens the configured listeners: tcp4/tcp6 sockets when bind4/bind6
// are set, one dual-stack socket otherwise.
func listen(cfg *config.Config) ([]net.Listener, error) {
	port := fmt.Sprintf("%d", cfg.Port)

	if cfg.Bind4 == "" && cfg.Bind6 == "" {
		ln, err := net.Listen("tcp", ":"+port)
		if err != nil {
			return nil, fmt.Errorf("listen: %w", err)
		}
		return []net.Listener{ln}, nil
	}

	var listeners []net.Listener
	if cfg.Bind4 != "" {
		ln, err := net.Listen("tcp4", net.JoinHostPort(cfg.Bind4, port))
		if err != nil {
			return nil, fmt.Errorf("listen v4: %w", err)
		}
		listeners = append(listeners, ln)
	}
	if cfg.Bind6 != "" {
		ln, err := net.Listen("tcp6", net.JoinHostPort(cfg.Bind6, port))
		if err != nil {
			return nil, fmt.Errorf("listen v6: %w", err)
		}
		listeners = append(listeners, ln)
	}

	return listeners, nil
}
