// Package api implements the meshbridge HTTP facade.
//
// Routes:
//
//	GET  /api/v1/status              gateway and link state
//	POST /api/v1/connect             open a device
//	POST /api/v1/disconnect          close the device link
//	POST /api/v1/reconnect           run one reconnection cycle
//	GET  /api/v1/messages            journal history
//	POST /api/v1/messages            send text to the mesh
//	GET  /api/v1/channels            channel list and selection
//	PUT  /api/v1/channels/selected   select the outbound channel
//	GET  /api/v1/nodes               node registry
//	POST /api/v1/respond             chat engine round trip
//	POST /api/v1/conversation        start or stop auto-reply
//	GET  /api/v1/models              installed chat models
//	PUT  /api/v1/models/selected     select the chat model
//	DELETE /api/v1/history           forget the chat context
//	GET  /api/v1/events              WebSocket live stream
//	GET  /metrics                    Prometheus exposition
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/bridge"
	"github.com/meshcommons/meshbridge/internal/gateway"
	"github.com/meshcommons/meshbridge/internal/responder"
	"github.com/meshcommons/meshbridge/internal/state"
	"github.com/meshcommons/meshbridge/internal/store"
	"github.com/meshcommons/meshbridge/internal/transport"
)

// Service is the subset of *gateway.Gateway the facade needs.
type Service interface {
	Status() gateway.Status
	Connect(ctx context.Context, target string) error
	Disconnect()
	Reconnect(ctx context.Context) error
	SendMessage(ctx context.Context, text string) (*store.Message, error)
	Messages(ctx context.Context, limit int) ([]*store.Message, error)
	Channels() gateway.ChannelList
	SelectChannel(name string) error
	Nodes() []state.Node
	Respond(ctx context.Context, prompt string) (string, error)
	SetConversation(ctx context.Context, active bool) error
	Models(ctx context.Context) ([]string, error)
	SelectModel(name string)
	ClearHistory()
	Subscribe() (<-chan gateway.Event, func())
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	svc Service
	log *zap.Logger
}

// NewRouter wires all routes. metrics may be nil, in which case /metrics is
// not served.
func NewRouter(svc Service, metrics prometheus.Gatherer, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{svc: svc, log: log}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(withLogging(log))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/connect", s.connect)
		r.Post("/disconnect", s.disconnect)
		r.Post("/reconnect", s.reconnect)

		r.Get("/messages", s.listMessages)
		r.Post("/messages", s.sendMessage)

		r.Get("/channels", s.listChannels)
		r.Put("/channels/selected", s.selectChannel)

		r.Get("/nodes", s.listNodes)

		r.Post("/respond", s.respond)
		r.Post("/conversation", s.conversation)
		r.Get("/models", s.listModels)
		r.Put("/models/selected", s.selectModel)
		r.Delete("/history", s.clearHistory)

		r.Get("/events", s.eventStream)
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	}
	return r
}

// ── Connection ────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

type connectRequest struct {
	Target string `json:"target"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.Connect(r.Context(), strings.TrimSpace(req.Target)); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) disconnect(w http.ResponseWriter, _ *http.Request) {
	s.svc.Disconnect()
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) reconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reconnect(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

// ── Messages ──────────────────────────────────────────────────────────────

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := s.svc.Messages(r.Context(), limit)
	if err != nil {
		s.log.Error("api: list messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := s.svc.SendMessage(r.Context(), req.Text)
	code := sendStatus(err)
	if code >= http.StatusBadRequest {
		writeJSON(w, code, map[string]any{"error": err.Error(), "message": msg})
		return
	}
	writeJSON(w, code, msg)
}

// sendStatus maps a Send outcome: sent, queued, rejected, or failed.
func sendStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, transport.ErrQueued):
		return http.StatusAccepted
	case errors.Is(err, transport.ErrProtocol):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// ── Channels ──────────────────────────────────────────────────────────────

func (s *Server) listChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Channels())
}

type nameRequest struct {
	Name string `json:"name"`
}

func (s *Server) selectChannel(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.SelectChannel(req.Name); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Channels())
}

// ── Nodes ─────────────────────────────────────────────────────────────────

func (s *Server) listNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.svc.Nodes()
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// ── Chat engine ───────────────────────────────────────────────────────────

type respondRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}
	reply, err := s.svc.Respond(r.Context(), req.Prompt)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

type conversationRequest struct {
	Active bool `json:"active"`
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.SetConversation(r.Context(), req.Active); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.svc.Models(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":   models,
		"selected": s.svc.Status().Model,
	})
}

func (s *Server) selectModel(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}
	s.svc.SelectModel(req.Name)
	writeJSON(w, http.StatusOK, map[string]string{"selected": req.Name})
}

func (s *Server) clearHistory(w http.ResponseWriter, _ *http.Request) {
	s.svc.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.svc.Subscribe()
	defer unsub()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ── Errors ────────────────────────────────────────────────────────────────

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	var openErr *transport.OpenError
	switch {
	case errors.Is(err, transport.ErrNoTarget),
		errors.Is(err, transport.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, transport.ErrReconnectInProgress),
		errors.Is(err, bridge.ErrNoModel),
		errors.Is(err, responder.ErrNoModel):
		return http.StatusConflict
	case errors.As(err, &openErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled),
		errors.Is(err, transport.ErrCancelled):
		return http.StatusRequestTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("api: request failed", zap.Int("status", code), zap.Error(err))
	}
	writeError(w, code, err.Error())
}

// ── Middleware ────────────────────────────────────────────────────────────

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withLogging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("api",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// ── helpers ───────────────────────────────────────────────────────────────

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
