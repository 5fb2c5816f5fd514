package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/metrics"
	"github.com/rendis/agentrt/internal/push"
	"github.com/rendis/agentrt/internal/validation"
	"github.com/rendis/agentrt/pkg/schema"
)

const maxRequestBytes = 4 << 20

// ServerDeps holds the dependencies for the A2A HTTP server.
type ServerDeps struct {
	Manager   *TaskManager
	Validator validation.Validator
	Card      func() schema.AgentCard
	Notifier  *push.Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Server serves the A2A JSON-RPC endpoint and the agent's well-known
// documents.
type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	deps.Logger = logging.OrDefault(deps.Logger)
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the server routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleCard)
	mux.HandleFunc("GET "+push.JWKSPath, s.handleJWKS)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Card == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Card())
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Notifier == nil {
		writeJSON(w, http.StatusOK, schema.JWKSet{Keys: []schema.JWK{}})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Notifier.JWKS())
}

// handleRPC decodes one JSON-RPC request and answers it with a response
// envelope, or with an SSE stream for the subscribe methods.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusOK, schema.NewRPCError(nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "read body: %s", err)))
		return
	}
	var req schema.RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, schema.NewRPCError(nil, schema.NewErrorf(schema.ErrCodeParse, "parse request: %s", err)))
		return
	}
	if req.JSONRPC != schema.JSONRPCVersion || req.Method == "" {
		writeJSON(w, http.StatusOK, schema.NewRPCError(req.ID, schema.NewError(schema.ErrCodeInvalidRequest, "jsonrpc must be \"2.0\" and method is required")))
		return
	}

	ctx := r.Context()
	log := logging.LogWith(ctx, s.deps.Logger).With("method", req.Method)
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateParams(req.Method, req.Params); err != nil {
			log.Debug("rejected params", "error", err)
			writeJSON(w, http.StatusOK, schema.NewRPCError(req.ID, err))
			return
		}
	}

	switch req.Method {
	case schema.MethodSendTaskSubscribe:
		var p schema.TaskSendParams
		if !decode(w, req, &p) {
			return
		}
		sub, err := s.deps.Manager.SendSubscribe(ctx, p)
		s.stream(w, r, req.ID, sub, err)
		return
	case schema.MethodResubscribe:
		var p schema.TaskIDParams
		if !decode(w, req, &p) {
			return
		}
		sub, err := s.deps.Manager.Resubscribe(ctx, p)
		s.stream(w, r, req.ID, sub, err)
		return
	}

	result, err := s.call(ctx, req)
	if err != nil {
		log.Info("rpc failed", "error", err)
		writeJSON(w, http.StatusOK, schema.NewRPCError(req.ID, err))
		return
	}
	writeJSON(w, http.StatusOK, schema.NewRPCResult(req.ID, result))
}

// call runs the unary methods.
func (s *Server) call(ctx context.Context, req schema.RPCRequest) (any, error) {
	m := s.deps.Manager
	switch req.Method {
	case schema.MethodSendTask:
		var p schema.TaskSendParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return m.Send(ctx, p)
	case schema.MethodGetTask:
		var p schema.TaskQueryParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return m.Get(ctx, p)
	case schema.MethodCancelTask:
		var p schema.TaskIDParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return m.Cancel(ctx, p)
	case schema.MethodSetPushNotification:
		var p schema.TaskPushNotificationConfig
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return m.SetPushNotification(ctx, p)
	case schema.MethodGetPushNotification:
		var p schema.TaskIDParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return m.GetPushNotification(ctx, p)
	}
	return nil, schema.NewErrorf(schema.ErrCodeMethodNotFound, "method %q not found", req.Method)
}

// stream writes a subscription as server-sent events, one JSON-RPC
// response per event, until a final event or the client goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, id any, sub *Subscription, err error) {
	if err != nil {
		writeJSON(w, http.StatusOK, schema.NewRPCError(id, err))
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, schema.NewRPCError(id, schema.NewError(schema.ErrCodeUnsupportedOperation, "streaming not supported")))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(eventType string, payload any) bool {
		data, err := json.Marshal(schema.NewRPCResult(id, payload))
		if err != nil {
			s.deps.Logger.Warn("encode stream event", "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, ev := range sub.Initial {
		if !write(ev.EventType, ev.Payload) || ev.Final {
			return
		}
	}
	if sub.Events == nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if !write(ev.EventType, ev.Payload) || ev.Final {
				return
			}
		}
	}
}

func decode(w http.ResponseWriter, req schema.RPCRequest, v any) bool {
	if err := unmarshalParams(req.Params, v); err != nil {
		writeJSON(w, http.StatusOK, schema.NewRPCError(req.ID, err))
		return false
	}
	return true
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidParams, "decode params: %s", err).WithCause(err)
	}
	return nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
