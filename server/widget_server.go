package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/lexcodex/widgetry/framework"
)

// maxRequestBytes bounds a single JSON-RPC request body.
const maxRequestBytes = 4 << 20

// WidgetServer exposes a set of bound widget tools over MCP. The same
// dispatcher backs the HTTP endpoint and the stdio transport.
type WidgetServer struct {
	Name      string
	Version   string
	Tools     *framework.WidgetRegistry
	Telemetry framework.Telemetry
	Logger    *log.Logger
}

// NewWidgetServer wraps the loaded tool instances into a server. A second
// instance with an already registered identifier is reported and dropped.
func NewWidgetServer(name string, tools []*framework.ToolInstance, telemetry framework.Telemetry, logger *log.Logger) *WidgetServer {
	if logger == nil {
		logger = log.Default()
	}
	registry := framework.NewWidgetRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			framework.EmitTo(telemetry, framework.Event{
				Type:    framework.EventToolDuplicate,
				Level:   framework.LevelWarning,
				Tool:    tool.Name(),
				Message: fmt.Sprintf("Skipping tool: %v", err),
			})
		}
	}
	return &WidgetServer{
		Name:      name,
		Version:   Version,
		Tools:     registry,
		Telemetry: telemetry,
		Logger:    logger,
	}
}

// Serve starts listening on the provided address.
func (s *WidgetServer) Serve(addr string) error {
	return s.ServeContext(context.Background(), addr)
}

// ServeContext listens on addr until ctx is cancelled, then shuts down
// gracefully. It returns ctx.Err() after a cancellation-driven shutdown.
func (s *WidgetServer) ServeContext(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.Logger.Printf("MCP server listening on %s", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler returns the HTTP routes of the server.
func (s *WidgetServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleRPC)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *WidgetServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req jsonrpc2.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, &jsonrpc2.Response{Error: &jsonrpc2.Error{Code: jsonrpc2.CodeParseError, Message: err.Error()}})
		return
	}
	result, err := s.Dispatch(r.Context(), req.Method, req.Params)
	if req.Notif {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	resp := &jsonrpc2.Response{ID: req.ID}
	if err != nil {
		resp.Error = toRPCError(err)
		writeRPC(w, resp)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
		writeRPC(w, resp)
		return
	}
	msg := json.RawMessage(raw)
	resp.Result = &msg
	writeRPC(w, resp)
}

func toRPCError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
}

func writeRPC(w http.ResponseWriter, resp *jsonrpc2.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
