package controllerapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zerodha/logf"
)

// Server is the controller's REST surface (spec §4.G). Grounded on
// arbok's internal/api.Server: a gorilla/mux router behind a fixed
// middleware chain, holding the domain services it dispatches to.
type Server struct {
	pairing Pairing
	nodes   NodeStore
	auth    *Authenticator
	logger  *slog.Logger
	reqLog  logf.Logger
	router  *mux.Router
}

// NewServer builds a Server wired to pairing and nodes. reqLog drives
// per-request access logging (requestLogger, below); logger stays on
// domain errors, auth failures, and panic recovery.
func NewServer(pairing Pairing, nodes NodeStore, logger *slog.Logger, reqLog logf.Logger) *Server {
	s := &Server{
		pairing: pairing,
		nodes:   nodes,
		auth:    NewAuthenticator(nodes, logger),
		logger:  logger,
		reqLog:  reqLog,
		router:  mux.NewRouter(),
	}
	s.routes()
	s.reqLog.Info("controller api server constructed")
	return s
}

// Router returns the handler to pass to http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(recovery(s.logger), requestLogger(s.reqLog), s.auth.Middleware)

	s.router.HandleFunc("/client/register", s.handleRegister).Methods(http.MethodPost)
	s.router.HandleFunc("/client/self", s.handleSelf).Methods(http.MethodGet)
	s.router.HandleFunc("/client/wg_tun", s.handleListTunnels).Methods(http.MethodGet)
	s.router.HandleFunc("/client/wg_tun", s.handleAnswerTunnel).Methods(http.MethodPost)
	s.router.HandleFunc("/client/wg_pubkey", s.handleWgPubkey).Methods(http.MethodGet, http.MethodPost)
}
