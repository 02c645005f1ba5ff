// sandbar-render is the rendering shell spawned per app instance. It serves
// the app's HTML on a local port and bridges the app's /api calls to the
// session gateway, stamping each one with the app's identity. The app markup
// itself never holds credentials or a direct line to the host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	var (
		appPath = flag.String("app", "", "path to the app HTML file")
		listen  = flag.String("listen", "127.0.0.1:0", "address to serve the app on")
	)
	flag.Parse()

	if err := run(*appPath, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(appPath, listen string) error {
	if appPath == "" {
		return errors.New("missing --app")
	}
	appID := os.Getenv("SANDBAR_APP_ID")
	if appID == "" {
		return errors.New("SANDBAR_APP_ID not set")
	}
	gatewayAddr := os.Getenv("SANDBAR_GATEWAY")
	if gatewayAddr == "" {
		return errors.New("SANDBAR_GATEWAY not set")
	}
	gatewayURL, err := url.Parse(gatewayAddr)
	if err != nil {
		return fmt.Errorf("parse gateway url: %w", err)
	}

	html, err := os.ReadFile(appPath)
	if err != nil {
		return fmt.Errorf("read app html: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(gatewayURL)
	inner := proxy.Director
	proxy.Director = func(r *http.Request) {
		inner(r)
		r.URL.Path = strings.TrimPrefix(r.URL.Path, "/api")
		r.Header.Set("X-Sandbar-App", appID)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, "gateway unreachable", http.StatusBadGateway)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(html)
	})
	r.Handle("/api/*", proxy)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	fmt.Printf("app %s at http://%s/\n", appID, ln.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Handler: r}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
