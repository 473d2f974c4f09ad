package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"

	"github.com/petervdpas/counselcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	// Session returns the signed-in user's services, nil when signed out.
	Session func() routes.Session
	Logs    *LogBuffer

	// AllowedOrigins lists dashboard origins allowed to call the API from a
	// browser. Empty means same-origin only.
	AllowedOrigins []string
	Debug          bool
}

// Handler returns the API behind the CORS and no-cache layers.
func (v Viewer) Handler() http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{Session: v.Session}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   v.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		Debug:            v.Debug,
	})
	return c.Handler(noCache(mux))
}

// Start serves the API on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, v)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, ln net.Listener, v Viewer) error {
	srv := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("VIEWER: listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
