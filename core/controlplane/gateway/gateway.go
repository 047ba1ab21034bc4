package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/regsentinel/regsentinel/core/audit"
	"github.com/regsentinel/regsentinel/core/infra/bus"
	"github.com/regsentinel/regsentinel/core/infra/logging"
	"github.com/regsentinel/regsentinel/core/infra/metrics"
	"github.com/regsentinel/regsentinel/core/policy"
	"github.com/regsentinel/regsentinel/core/review"
)

const wsClientBuffer = 100

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{wsAPIKeyProtocol},
}

// Options wires a Server. Events and Metrics may be nil; Auth defaults to an
// environment-loaded key set.
type Options struct {
	Store   policy.Store
	Ledger  audit.Ledger
	Gate    *review.Gate
	Events  bus.Bus
	Auth    *APIKeyAuth
	Metrics metrics.GatewayMetrics
}

// Server is the HTTP review surface. Clause intake goes out on the bus;
// reviewer decisions go through the gate. Nothing here writes policy text
// directly.
type Server struct {
	store   policy.Store
	ledger  audit.Ledger
	gate    *review.Gate
	events  bus.Bus
	auth    *APIKeyAuth
	metrics metrics.GatewayMetrics

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]chan bus.Event
}

// New constructs a server.
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Gate == nil {
		return nil, fmt.Errorf("store, ledger, and gate are required")
	}
	auth := opts.Auth
	if auth == nil {
		auth = NewAPIKeyAuth()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NoopGateway{}
	}
	return &Server{
		store:   opts.Store,
		ledger:  opts.Ledger,
		gate:    opts.Gate,
		events:  opts.Events,
		auth:    auth,
		metrics: m,
		clients: make(map[*websocket.Conn]chan bus.Event),
	}, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/clauses", s.instrumented("/api/v1/clauses", s.handleSubmitClause))
	mux.HandleFunc("GET /api/v1/clauses/{id}", s.instrumented("/api/v1/clauses/{id}", s.handleGetClause))

	mux.HandleFunc("GET /api/v1/policies", s.instrumented("/api/v1/policies", s.handleListPolicies))
	mux.HandleFunc("GET /api/v1/policies/{id}", s.instrumented("/api/v1/policies/{id}", s.handleGetPolicy))
	mux.HandleFunc("GET /api/v1/policies/{id}/versions", s.instrumented("/api/v1/policies/{id}/versions", s.handleListVersions))

	mux.HandleFunc("GET /api/v1/proposals", s.instrumented("/api/v1/proposals", s.handleListProposals))
	mux.HandleFunc("GET /api/v1/proposals/{id}", s.instrumented("/api/v1/proposals/{id}", s.handleGetProposal))
	mux.HandleFunc("POST /api/v1/proposals/{id}/approve", s.instrumented("/api/v1/proposals/{id}/approve", s.handleDecision(policy.StatusApproved)))
	mux.HandleFunc("POST /api/v1/proposals/{id}/reject", s.instrumented("/api/v1/proposals/{id}/reject", s.handleDecision(policy.StatusRejected)))
	mux.HandleFunc("POST /api/v1/proposals/{id}/modify", s.instrumented("/api/v1/proposals/{id}/modify", s.handleDecision(policy.StatusModified)))

	mux.HandleFunc("GET /api/v1/audit", s.instrumented("/api/v1/audit", s.handleAudit))
	mux.HandleFunc("GET /api/v1/summary", s.instrumented("/api/v1/summary", s.handleSummary))
	mux.HandleFunc("GET /api/v1/events/ws", s.handleStream)
	return mux
}

// StartEventFanout forwards bus events to connected websocket clients. It
// returns immediately; delivery runs on the bus's dispatch goroutines.
func (s *Server) StartEventFanout() error {
	if s.events == nil {
		return nil
	}
	for _, subject := range []string{bus.SubjectProposalPending, bus.SubjectProposalDecided} {
		if err := s.events.Subscribe(subject, "", s.fanout); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nil
}

func (s *Server) fanout(ev bus.Event) error {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ws, ch := range s.clients {
		select {
		case ch <- ev:
		default:
			logging.Warn("gateway", "dropping event for slow ws client", "remote", ws.RemoteAddr().String(), "type", ev.Type)
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitClause(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	if s.events == nil {
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}
	var clause policy.Clause
	if err := json.NewDecoder(r.Body).Decode(&clause); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(clause.Text) == "" {
		http.Error(w, "clause text required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(clause.Regulation) == "" {
		http.Error(w, "regulation required", http.StatusBadRequest)
		return
	}
	if clause.ID == "" {
		clause.ID = uuid.NewString()
	}
	if clause.ReceivedAt.IsZero() {
		clause.ReceivedAt = time.Now().UTC()
	}
	ev, err := bus.NewEvent(bus.SubjectClauseSubmit, clause.ID, clause)
	if err == nil {
		err = s.events.Publish(bus.SubjectClauseSubmit, ev)
	}
	if err != nil {
		logging.Error("gateway", "clause publish failed", "clause_id", clause.ID, "error", err)
		http.Error(w, "failed to queue clause", http.StatusServiceUnavailable)
		return
	}
	logging.Info("gateway", "clause queued", "clause_id", clause.ID, "regulation", clause.Regulation)
	writeJSON(w, http.StatusAccepted, map[string]string{"clause_id": clause.ID, "status": "queued"})
}

func (s *Server) handleGetClause(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	clause, err := s.store.GetClause(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clause)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	records, err := s.store.ListPolicies(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": records, "count": len(records)})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	rec, err := s.store.GetPolicy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	versions, err := s.store.ListVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	status := policy.Status(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	switch status {
	case "", policy.StatusPending, policy.StatusApproved, policy.StatusRejected, policy.StatusModified:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	proposals, err := s.store.ListProposals(r.Context(), status, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if risk := strings.TrimSpace(r.URL.Query().Get("risk")); risk != "" {
		filtered := proposals[:0]
		for _, prop := range proposals {
			if strings.EqualFold(string(prop.Assessment.Severity), risk) {
				filtered = append(filtered, prop)
			}
		}
		proposals = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals, "count": len(proposals)})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	prop, err := s.store.GetProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

type decisionRequest struct {
	Note         string `json:"note"`
	ModifiedText string `json:"modified_text"`
}

func (s *Server) handleDecision(status policy.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		if auth.PrincipalID == "" {
			http.Error(w, "reviewer identity required (X-Principal-Id)", http.StatusBadRequest)
			return
		}
		var body decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if status == policy.StatusModified && strings.TrimSpace(body.ModifiedText) == "" {
			http.Error(w, "modified_text required", http.StatusBadRequest)
			return
		}
		prop, err := s.gate.Decide(r.Context(), policy.Decision{
			ProposalID:   r.PathValue("id"),
			Status:       status,
			Reviewer:     auth.PrincipalID,
			Note:         body.Note,
			ModifiedText: body.ModifiedText,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prop)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	q := r.URL.Query()
	sinceSeq, _ := strconv.ParseInt(q.Get("since_seq"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	events, err := s.ledger.Query(r.Context(), audit.Filter{
		PolicyID:   q.Get("policy_id"),
		ProposalID: q.Get("proposal_id"),
		Actor:      q.Get("actor"),
		Action:     audit.Action(strings.ToUpper(strings.TrimSpace(q.Get("action")))),
		SinceSeq:   sinceSeq,
		Limit:      limit,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	records, err := s.store.ListPolicies(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	byStatus := map[string]int{}
	byRisk := map[string]int{}
	for _, status := range []policy.Status{policy.StatusPending, policy.StatusApproved, policy.StatusRejected, policy.StatusModified} {
		proposals, err := s.store.ListProposals(r.Context(), status, 1000)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		byStatus[string(status)] = len(proposals)
		for _, prop := range proposals {
			if prop.Assessment.Severity != "" {
				byRisk[string(prop.Assessment.Severity)]++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policies":            len(records),
		"proposals_by_status": byStatus,
		"proposals_by_risk":   byRisk,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan bus.Event, wsClientBuffer)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	for {
		select {
		case ev := <-clientCh:
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error("gateway", "event marshal failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*AuthContext, bool) {
	auth, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil, false
	}
	return auth, true
}

// instrumented wraps handlers to record request metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("gateway", "response encode failed", "error", err)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, policy.ErrAlreadyDecided):
		http.Error(w, "proposal already decided", http.StatusConflict)
	case errors.Is(err, policy.ErrVersionConflict):
		http.Error(w, "policy changed since proposal was drafted", http.StatusConflict)
	case errors.Is(err, policy.ErrTargetMissing):
		http.Error(w, "target policy missing", http.StatusUnprocessableEntity)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
