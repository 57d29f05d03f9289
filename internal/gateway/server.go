// Package gateway serves the vault client API over HTTP. Every route except
// the health check requires a bearer token whose subject is the client
// identity.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/logging/audit"
	"github.com/vaultmesh/vaultmesh/internal/vault"
	"github.com/vaultmesh/vaultmesh/pkg/proto"
)

// MaxChunkBytes bounds a chunk or message body accepted over HTTP.
const MaxChunkBytes = 8 << 20

// Backend is the client API the gateway exposes. *vault.Vault implements it.
type Backend interface {
	CreateAccount(ctx context.Context, client identity.ID, quota int64) (vault.AccountInfo, error)
	Account(ctx context.Context, client identity.ID) (vault.AccountInfo, error)
	Put(ctx context.Context, client identity.ID, data []byte) (identity.ID, error)
	Get(ctx context.Context, client, id identity.ID) ([]byte, error)
	Delete(ctx context.Context, client, id identity.ID) error
	GetVersion(ctx context.Context, client, name identity.ID) (vault.VersionRecord, error)
	Post(ctx context.Context, client, name, expected, next identity.ID) (vault.VersionRecord, error)
	SendMessage(ctx context.Context, sender, recipient identity.ID, body []byte) (string, error)
	PollMessages(ctx context.Context, client identity.ID) ([]vault.MailMessage, error)
	PollOutbox(ctx context.Context, client identity.ID) ([]vault.OutboxEntry, error)
	DeleteMessage(ctx context.Context, client identity.ID, messageID string) error
}

var _ Backend = (*vault.Vault)(nil)

type clientKey struct{}

// Server is the client HTTP API.
type Server struct {
	backend Backend
	auth    *Authenticator
	logger  zerolog.Logger
	audit   *audit.Logger
	mux     *http.ServeMux
}

// New creates a gateway over backend.
func New(backend Backend, auth *Authenticator, logger zerolog.Logger) *Server {
	s := &Server{
		backend: backend,
		auth:    auth,
		logger:  logger.With().Str("component", "gateway").Logger(),
		audit:   audit.NewLogger(logger),
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /v1/account", s.withAuth(s.handleCreateAccount))
	s.mux.HandleFunc("GET /v1/account", s.withAuth(s.handleAccount))

	s.mux.HandleFunc("POST /v1/chunks", s.withAuth(s.handlePut))
	s.mux.HandleFunc("GET /v1/chunks/{id}", s.withAuth(s.handleGet))
	s.mux.HandleFunc("DELETE /v1/chunks/{id}", s.withAuth(s.handleDelete))

	s.mux.HandleFunc("GET /v1/versions/{name}", s.withAuth(s.handleGetVersion))
	s.mux.HandleFunc("POST /v1/versions/{name}", s.withAuth(s.handlePostVersion))

	s.mux.HandleFunc("POST /v1/messages/{recipient}", s.withAuth(s.handleSendMessage))
	s.mux.HandleFunc("GET /v1/messages", s.withAuth(s.handlePollMessages))
	s.mux.HandleFunc("DELETE /v1/messages/{id}", s.withAuth(s.handleDeleteMessage))
	s.mux.HandleFunc("GET /v1/outbox", s.withAuth(s.handlePollOutbox))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// withAuth checks the bearer token and stores the client identity in the
// request context.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.audit.LogAuth("", audit.Denied, "missing authorization header", r.RemoteAddr)
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized, "")
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.audit.LogAuth("", audit.Denied, "invalid authorization header", r.RemoteAddr)
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized, "")
			return
		}

		client, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.audit.LogAuth("", audit.Denied, err.Error(), r.RemoteAddr)
			s.jsonError(w, "invalid token", http.StatusUnauthorized, "")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), clientKey{}, client)))
	}
}

// record audits a state-changing operation once the backend has answered.
func (s *Server) record(r *http.Request, operation, target string, err error) {
	result, reason := audit.Allowed, ""
	if err != nil {
		result = audit.Denied
		_, reason = statusOf(err)
	}
	s.audit.LogOp(clientFrom(r).String(), operation, target, result, reason, r.RemoteAddr)
}

func clientFrom(r *http.Request) identity.ID {
	id, _ := r.Context().Value(clientKey{}).(identity.ID)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateAccountRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.jsonError(w, "invalid request body", http.StatusBadRequest, "")
			return
		}
	}
	if req.Quota < 0 {
		s.jsonError(w, "quota must not be negative", http.StatusBadRequest, "")
		return
	}

	info, err := s.backend.CreateAccount(r.Context(), clientFrom(r), req.Quota)
	if err != nil {
		s.record(r, "create_account", "", err)
		s.vaultError(w, r, err)
		return
	}
	s.audit.LogAccount(info.Client.String(), info.Quota, r.RemoteAddr)
	s.writeJSON(w, http.StatusOK, accountResponse(info))
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.Account(r.Context(), clientFrom(r))
	if err != nil {
		s.vaultError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, accountResponse(info))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	id, err := s.backend.Put(r.Context(), clientFrom(r), data)
	if err != nil {
		s.record(r, "put_chunk", "", err)
		s.vaultError(w, r, err)
		return
	}
	s.record(r, "put_chunk", id.String(), nil)
	s.writeJSON(w, http.StatusCreated, proto.PutResponse{ID: id.String(), Size: len(data)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	data, err := s.backend.Get(r.Context(), clientFrom(r), id)
	if err != nil {
		s.vaultError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+id.String()+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	err := s.backend.Delete(r.Context(), clientFrom(r), id)
	s.record(r, "delete_chunk", id.String(), err)
	if err != nil {
		s.vaultError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	name, ok := s.pathID(w, r, "name")
	if !ok {
		return
	}
	rec, err := s.backend.GetVersion(r.Context(), clientFrom(r), name)
	if err != nil {
		s.vaultError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, versionResponse(rec))
}

func (s *Server) handlePostVersion(w http.ResponseWriter, r *http.Request) {
	name, ok := s.pathID(w, r, "name")
	if !ok {
		return
	}
	var req proto.VersionPostRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest, "")
		return
	}
	next, err := identity.Parse(req.New)
	if err != nil {
		s.jsonError(w, "new: "+err.Error(), http.StatusBadRequest, "")
		return
	}
	expected := identity.Zero
	if req.Expected != "" {
		if expected, err = identity.Parse(req.Expected); err != nil {
			s.jsonError(w, "expected: "+err.Error(), http.StatusBadRequest, "")
			return
		}
	}

	rec, err := s.backend.Post(r.Context(), clientFrom(r), name, expected, next)
	s.record(r, "post_version", name.String(), err)
	if errors.Is(err, vault.ErrConflict) {
		// The body carries the version the caller lost to.
		s.writeJSON(w, http.StatusConflict, versionResponse(rec))
		return
	}
	if err != nil {
		s.vaultError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, versionResponse(rec))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	recipient, ok := s.pathID(w, r, "recipient")
	if !ok {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	id, err := s.backend.SendMessage(r.Context(), clientFrom(r), recipient, body)
	s.record(r, "send_message", recipient.String(), err)
	if err != nil {
		s.vaultError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, proto.SendMessageResponse{ID: id})
}

func (s *Server) handlePollMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.backend.PollMessages(r.Context(), clientFrom(r))
	if err != nil {
		s.vaultError(w, r, err)
		return
	}
	resp := proto.InboxResponse{Messages: make([]proto.Message, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, message(m))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := s.backend.DeleteMessage(r.Context(), clientFrom(r), r.PathValue("id"))
	s.record(r, "delete_message", r.PathValue("id"), err)
	if err != nil {
		s.vaultError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePollOutbox(w http.ResponseWriter, r *http.Request) {
	entries, err := s.backend.PollOutbox(r.Context(), clientFrom(r))
	if err != nil {
		s.vaultError(w, r, err)
		return
	}
	resp := proto.OutboxResponse{Entries: make([]proto.OutboxEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, proto.OutboxEntry{Message: message(e.Message), Delivered: e.Delivered})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (identity.ID, bool) {
	id, err := identity.Parse(r.PathValue(name))
	if err != nil {
		s.jsonError(w, fmt.Sprintf("%s: %v", name, err), http.StatusBadRequest, "")
		return identity.Zero, false
	}
	return id, true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxChunkBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.jsonError(w, fmt.Sprintf("body exceeds %d bytes", MaxChunkBytes), http.StatusRequestEntityTooLarge, "")
			return nil, false
		}
		s.jsonError(w, "read body: "+err.Error(), http.StatusBadRequest, "")
		return nil, false
	}
	if len(data) == 0 {
		s.jsonError(w, "empty body", http.StatusBadRequest, "")
		return nil, false
	}
	return data, true
}

// statusOf maps a vault error to an HTTP status and a short reason.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, vault.ErrQuotaExceeded):
		return http.StatusInsufficientStorage, "quota_exceeded"
	case errors.Is(err, vault.ErrCapacityExceeded):
		return http.StatusInsufficientStorage, "capacity_exceeded"
	case errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, vault.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, vault.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, vault.ErrHashMismatch):
		return http.StatusBadGateway, "hash_mismatch"
	case errors.Is(err, vault.ErrNoAccount):
		return http.StatusForbidden, "no_account"
	case errors.Is(err, vault.ErrPeerTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "peer_timeout"
	case errors.Is(err, vault.ErrStopped):
		return http.StatusServiceUnavailable, "stopped"
	default:
		return http.StatusBadGateway, "rejected"
	}
}

func (s *Server) vaultError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// Client went away; nobody is listening.
		return
	}
	code, reason := statusOf(err)
	ev := s.logger.Debug()
	if code >= http.StatusInternalServerError {
		ev = s.logger.Warn()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", code).Msg("client request failed")
	s.jsonError(w, err.Error(), code, reason)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int, reason string) {
	s.writeJSON(w, code, proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
		Reason:  reason,
	})
}

func accountResponse(info vault.AccountInfo) proto.AccountResponse {
	return proto.AccountResponse{
		Client:   info.Client.String(),
		Quota:    info.Quota,
		Used:     info.Used,
		Reserved: info.Reserved,
		Chunks:   info.Chunks,
	}
}

func versionResponse(rec vault.VersionRecord) proto.VersionResponse {
	resp := proto.VersionResponse{
		Name:    rec.Name.String(),
		Current: rec.Current.String(),
		Seq:     rec.Seq,
	}
	for _, h := range rec.History {
		resp.History = append(resp.History, h.String())
	}
	return resp
}

func message(m vault.MailMessage) proto.Message {
	return proto.Message{
		ID:        m.ID,
		Sender:    m.Sender.String(),
		Recipient: m.Recipient.String(),
		Body:      m.Body,
		SentAt:    m.SentAt,
	}
}
