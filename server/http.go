package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/guseggert/rsupport/correlator"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/registry"
	"github.com/julienschmidt/httprouter"
)

type ExecRequest struct {
	CommandLine string `json:"command_line"`
}

type PingResponse struct {
	RTTMillis float64 `json:"rtt_ms"`
}

type LogRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the admin HTTP API.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/clients", s.listClients)
	router.GET("/clients/:id", s.getClient)
	router.POST("/clients/:id/exec", s.execClient)
	router.POST("/clients/:id/ping", s.pingClient)
	router.GET("/clients/:id/sysinfo", s.sysinfoClient)
	router.POST("/clients/:id/shutdown", s.shutdownClient)
	router.POST("/clients/:id/log", s.logClient)
	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	return router
}

// ServeAdmin serves the admin API on l until ctx is done.
func (s *Server) ServeAdmin(ctx context.Context, l net.Listener) error {
	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Debugw("shutting down admin API", "Error", err)
		}
	}()
	s.log.Infow("admin API listening", "Addr", l.Addr().String())
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		s.log.Debugw("writing response", "Error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidClientID):
		return http.StatusBadRequest
	case errors.Is(err, correlator.ErrClientUnavailable):
		return http.StatusConflict
	case errors.Is(err, correlator.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, correlator.ErrTransport), errors.Is(err, correlator.ErrUnexpectedReply):
		return http.StatusBadGateway
	case errors.Is(err, ErrRejected):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.Clients())
}

func (s *Server) getClient(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec, err := s.Client(params.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) execClient(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.CommandLine == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request contained no command line"})
		return
	}
	resp, err := s.Execute(r.Context(), params.ByName("id"), req.CommandLine)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pingClient(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rtt, err := s.Ping(r.Context(), params.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PingResponse{RTTMillis: float64(rtt) / float64(time.Millisecond)})
}

func (s *Server) sysinfoClient(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	info, err := s.SysInfo(r.Context(), params.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) shutdownClient(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := s.Shutdown(r.Context(), params.ByName("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logClient(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req LogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	level, ok := protocol.ParseLogLevel(req.Level)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown log level " + req.Level})
		return
	}
	if err := s.Log(r.Context(), params.ByName("id"), level, req.Message); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
