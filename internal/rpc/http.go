package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/lighthouse/internal/cluster"
	"github.com/dreamware/lighthouse/internal/common"
	"github.com/dreamware/lighthouse/internal/lighthouse"
	"github.com/dreamware/lighthouse/internal/notify"
)

var logger = common.InitLogger()

// NDJSONContentType is the media type of the HTTP failure stream.
const NDJSONContentType = "application/x-ndjson"

// HTTPServer serves the lighthouse HTTP API.
type HTTPServer struct {
	lh      *lighthouse.Lighthouse
	httpSrv *http.Server
	addr    string
}

// NewHTTPServer builds the HTTP front end for lh listening on addr.
func NewHTTPServer(lh *lighthouse.Lighthouse, addr string) *HTTPServer {
	s := &HTTPServer{lh: lh, addr: addr}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the request multiplexer.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/join", s.handleJoin)
	mux.HandleFunc("/failures/subscribe", s.handleSubscribe)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.lh.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// Serve accepts connections on lis until Shutdown.
func (s *HTTPServer) Serve(lis net.Listener) error {
	logger.Info("HTTP server listening", "address", lis.Addr().String())
	if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves until ctx is canceled
// or the server fails. Shutdown must still be called to drain connections.
func (s *HTTPServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		logger.Error(err, "Failed to listen", "address", s.addr)
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serverErrCh:
		return err
	}
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires, then closes whatever is left.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down HTTP server...")
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		logger.Info("Graceful HTTP shutdown timeout, forcing close", "err", err.Error())
		_ = s.httpSrv.Close()
		return err
	}
	logger.Info("HTTP server stopped gracefully")
	return nil
}

func (s *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req cluster.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.lh.Heartbeat(req.ReplicaID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req cluster.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	resp, err := s.lh.Join(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			// caller went away
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

// handleSubscribe streams failure notifications as NDJSON until the client
// disconnects or the subscription ends. The status line is flushed before the
// first event so clients can distinguish "connected" from "nothing yet".
func (s *HTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if s.lh.Stopped() {
		writeError(w, lighthouse.ErrStopped)
		return
	}

	sub := s.lh.SubscribeFailures()
	defer sub.Close()

	w.Header().Set("Content-Type", NDJSONContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.V(1).Info("Failure subscriber attached", "subscription", sub.ID(), "remote", r.RemoteAddr)
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			logger.V(1).Info("Failure subscriber disconnected", "subscription", sub.ID())
			return
		case n, ok := <-sub.C():
			if !ok {
				logger.Info("Failure subscription ended", "subscription", sub.ID(), "reason", sub.Err())
				return
			}
			if err := enc.Encode(n); err != nil {
				logger.Error(err, "Failed to write failure notification", "subscription", sub.ID())
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, s.lh.Status())
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.lh.Stopped() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error(err, "Failed to encode response")
	}
}

// writeError maps lighthouse errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lighthouse.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, lighthouse.ErrStopped), errors.Is(err, notify.ErrBusClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		logger.Error(err, "Request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
