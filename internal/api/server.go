// Package api serves the JSON-RPC 2.0 HTTP interface: query, document
// fetch, and concept lookup over a small fixed route set, plus a
// health probe. Each route accepts exactly one method; the envelope is
// validated before any work happens.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/retriever"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

// maxBodyBytes caps request bodies at 1 MiB.
const maxBodyBytes = 1 << 20

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeBodyTooLarge   = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeDocNotFound    = -32004
)

// Server hosts the HTTP API.
type Server struct {
	store     *store.Store
	retriever *retriever.Retriever
	logger    *slog.Logger
}

// NewServer creates a Server over the given read surfaces.
func NewServer(s *store.Store, r *retriever.Retriever, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: s, retriever: r, logger: logger}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/api/v1/query", s.rpc("semantic_query", s.handleQuery))
	r.Post("/api/v1/get_doc", s.rpc("get_document", s.handleGetDocument))
	r.Post("/api/v1/find_concept", s.rpc("find_by_concept", s.handleFindConcept))
	return r
}

// ListenAndServe runs the API until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcHandler func(ctx context.Context, params json.RawMessage) (any, *rpcError)

// rpc validates the envelope for one fixed method and dispatches.
func (s *Server) rpc(method string, handle rpcHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{
					Code: codeBodyTooLarge, Message: "request body exceeds 1 MiB"}})
				return
			}
			writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{
				Code: codeParseError, Message: "parse error"}})
			return
		}

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if req.Method != method {
			resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
			writeRPC(w, resp)
			return
		}

		result, rpcErr := handle(r.Context(), req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
		writeRPC(w, resp)
	}
}

type queryParams struct {
	Query          string `json:"query"`
	MaxResults     int    `json:"max_results"`
	Mode           string `json:"mode"`
	IncludeContent bool   `json:"include_content"`
	MaxTokens      int    `json:"max_tokens"`
	Section        string `json:"section"`
}

func (s *Server) handleQuery(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p queryParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}

	resp, err := s.retriever.Search(ctx, retriever.Request{
		Query:          p.Query,
		Limit:          p.MaxResults,
		Mode:           p.Mode,
		IncludeContent: p.IncludeContent,
		MaxTokens:      p.MaxTokens,
		Section:        p.Section,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

type getDocumentParams struct {
	DocumentID     int64  `json:"document_id"`
	IncludeContent bool   `json:"include_content"`
	MaxTokens      int    `json:"max_tokens"`
	Section        string `json:"section"`
}

func (s *Server) handleGetDocument(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p getDocumentParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}

	doc, err := s.store.GetDocument(ctx, p.DocumentID, store.ContentOptions{
		IncludeContent: p.IncludeContent,
		MaxTokens:      p.MaxTokens,
		Section:        p.Section,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return doc, nil
}

type findConceptParams struct {
	Concept    string `json:"concept"`
	MaxResults int    `json:"max_results"`
}

func (s *Server) handleFindConcept(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p findConceptParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Concept == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "concept is required"}
	}
	if p.MaxResults <= 0 {
		p.MaxResults = retriever.DefaultLimit
	}

	docs, err := s.store.ListByConcept(ctx, p.Concept, p.MaxResults)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]any{"documents": docs}, nil
}

func unmarshalParams(raw json.RawMessage, into any) *rpcError {
	if len(raw) == 0 {
		return &rpcError{Code: codeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func mapError(err error) *rpcError {
	switch {
	case mkerrors.IsNotFound(err):
		return &rpcError{Code: codeDocNotFound, Message: err.Error()}
	case mkerrors.Is(err, mkerrors.KindInvalid):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &rpcError{Code: codeInternal, Message: err.Error()}
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

