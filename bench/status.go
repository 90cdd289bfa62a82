package bench

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

type statusHandler struct {
	client *Client
	rd     *render.Render
}

func (h *statusHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.client.Status())
}

// NewStatusHandler serves the run progress on /status and the process metrics on /metrics.
func NewStatusHandler(c *Client) http.Handler {
	rd := render.New(render.Options{
		IndentJSON: true,
	})
	router := mux.NewRouter()
	sh := &statusHandler{client: c, rd: rd}
	router.HandleFunc("/status", sh.Get).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	n := negroni.New(negroni.NewRecovery())
	n.UseHandler(router)
	return n
}

// StatusServer exposes a handler on a TCP address.
type StatusServer struct {
	ln  net.Listener
	srv *http.Server
}

// StartStatusServer listens on addr and serves h in the background.
func StartStatusServer(addr string, h http.Handler) (*StatusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen %s", addr)
	}
	s := &StatusServer{ln: ln, srv: &http.Server{Handler: h}}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("status server started", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the address the server listens on.
func (s *StatusServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *StatusServer) Close(ctx context.Context) error {
	return errors.Trace(s.srv.Shutdown(ctx))
}
