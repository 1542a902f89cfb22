package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/leviathan-sh/leviathan/pkg/autonomy"
	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/journal"
	"github.com/leviathan-sh/leviathan/pkg/log"
	"github.com/leviathan-sh/leviathan/pkg/metrics"
	"github.com/leviathan-sh/leviathan/pkg/projection"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// Projection is the query surface the API serves.
type Projection interface {
	Summary() *projection.Summary
	Attempt(id string) (*types.Attempt, error)
	Attempts(targetID string, limit int) []*types.Attempt
	RecentFailures(targetID string, limit int) []*types.Attempt
	ArtifactsForAttempt(id string) []*types.ArtifactRef
}

// Config carries the server's wiring.
type Config struct {
	ListenAddr string
	// Token is the bearer token all endpoints except /healthz require.
	Token string
}

// Server is the control-plane HTTP surface: bundle ingestion, projection
// queries, autonomy status, and admin actions. Once the integrity alarm
// latches, ingestion is refused with 503 until an operator acknowledges it.
type Server struct {
	journal    journal.Journal
	broker     *journal.Broker
	projection Projection
	autonomy   *autonomy.Checker
	cfg        Config

	httpServer *http.Server

	alarmMu     sync.RWMutex
	alarmDetail string
	alarmed     bool
}

// NewServer creates the server. broker may be nil.
func NewServer(j journal.Journal, broker *journal.Broker, p Projection, a *autonomy.Checker, cfg Config) *Server {
	return &Server{
		journal:    j,
		broker:     broker,
		projection: p,
		autonomy:   a,
		cfg:        cfg,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)

		r.Post("/v1/events/ingest", s.handleIngest)
		r.Get("/v1/events", s.handleEventsRange)
		r.Get("/v1/events/tip", s.handleEventsTip)
		r.Get("/v1/graph/summary", s.handleGraphSummary)
		r.Get("/v1/attempts", s.handleAttemptsList)
		r.Get("/v1/attempts/{id}", s.handleAttemptGet)
		r.Get("/v1/failures", s.handleFailures)
		r.Post("/v1/attempts/{id}/invalidate", s.handleInvalidate)
		r.Get("/v1/autonomy/status", s.handleAutonomyStatus)
		r.Post("/v1/admin/verify-chain", s.handleVerifyChain)
		r.Post("/v1/admin/ack-integrity", s.handleAckIntegrity)
	})

	return r
}

// Start begins serving.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", s.cfg.ListenAddr).Msg("control-plane API listening")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// TriggerAlarm latches the integrity alarm.
func (s *Server) TriggerAlarm(detail string) {
	s.alarmMu.Lock()
	defer s.alarmMu.Unlock()
	if !s.alarmed {
		log.WithComponent("api").Error().Str("detail", detail).Msg("integrity alarm latched")
	}
	s.alarmed = true
	s.alarmDetail = detail
	metrics.IntegrityAlarm.Set(1)
}

// Alarmed reports the latch state.
func (s *Server) Alarmed() bool {
	s.alarmMu.RLock()
	defer s.alarmMu.RUnlock()
	return s.alarmed
}

func (s *Server) ackAlarm() {
	s.alarmMu.Lock()
	defer s.alarmMu.Unlock()
	s.alarmed = false
	s.alarmDetail = ""
	metrics.IntegrityAlarm.Set(0)
	log.WithComponent("api").Warn().Msg("integrity alarm acknowledged by operator")
}

// observe records request metrics with the route pattern as the path label.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveAPIRequest(r.Method, pattern, strconv.Itoa(ww.Status()), time.Since(start))
	})
}

// requireBearer enforces bearer auth with a constant-time compare.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, errdefs.New(errdefs.KindAuthFailed, "invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IngestResponse is the body returned by a successful bundle append.
type IngestResponse struct {
	FirstSeq uint64 `json:"firstSeq"`
	LastSeq  uint64 `json:"lastSeq"`
	TipSeq   uint64 `json:"tipSeq"`
	TipHash  string `json:"tipHash"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.Alarmed() {
		s.alarmMu.RLock()
		detail := s.alarmDetail
		s.alarmMu.RUnlock()
		writeError(w, http.StatusServiceUnavailable,
			errdefs.Newf(errdefs.KindIntegrityAlarm, "ingestion refused: %s", detail))
		return
	}

	var bundle types.Bundle
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&bundle); err != nil {
		writeError(w, http.StatusBadRequest, errdefs.Wrap(errdefs.KindValidationFailed, "decode bundle", err))
		return
	}

	res, err := s.journal.Append(r.Context(), &bundle)
	if err != nil {
		metrics.JournalAppendsTotal.WithLabelValues("error").Inc()
		writeError(w, statusFor(err), err)
		return
	}
	metrics.JournalAppendsTotal.WithLabelValues("ok").Inc()
	metrics.JournalEventsTotal.Add(float64(len(bundle.Events)))
	metrics.JournalTipSeq.Set(float64(res.Tip.Seq))

	// Subscribers get the chained copies the journal persisted, seq and hash
	// stamps included, not the raw request events.
	if s.broker != nil {
		chained, err := s.journal.Range(r.Context(), journal.RangeOpts{
			SinceSeq: res.FirstSeq - 1,
			UntilSeq: res.LastSeq,
		})
		if err != nil {
			// The projector's ticker catches up on its own; losing the nudge
			// is harmless.
			log.WithComponent("api").Error().Err(err).Msg("post-append range failed, broker not notified")
		}
		for _, se := range chained {
			s.broker.Publish(se)
		}
	}

	writeJSON(w, http.StatusAccepted, IngestResponse{
		FirstSeq: res.FirstSeq,
		LastSeq:  res.LastSeq,
		TipSeq:   res.Tip.Seq,
		TipHash:  res.Tip.Hash,
	})
}

// EventsResponse is the body of GET /v1/events. Remote followers (the
// scheduler's local projection among them) page through the journal with it.
type EventsResponse struct {
	Events []*journal.SequencedEvent `json:"events"`
}

func (s *Server) handleEventsRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := journal.RangeOpts{
		TargetID:  q.Get("target"),
		EventType: types.EventType(q.Get("eventType")),
	}

	if raw := q.Get("sinceSeq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errdefs.Newf(errdefs.KindValidationFailed, "invalid sinceSeq %q", raw))
			return
		}
		opts.SinceSeq = n
	}
	if raw := q.Get("untilSeq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errdefs.Newf(errdefs.KindValidationFailed, "invalid untilSeq %q", raw))
			return
		}
		opts.UntilSeq = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errdefs.Newf(errdefs.KindValidationFailed, "invalid limit %q", raw))
			return
		}
		opts.Limit = n
	}

	events, err := s.journal.Range(r.Context(), opts)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

func (s *Server) handleEventsTip(w http.ResponseWriter, r *http.Request) {
	tip, err := s.journal.Tip(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) handleGraphSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.projection.Summary())
}

// AttemptDetail is the body of GET /v1/attempts/{id}: the attempt, its
// journal history in sequence order, and the artifacts it produced.
type AttemptDetail struct {
	Attempt   *types.Attempt            `json:"attempt"`
	Events    []*journal.SequencedEvent `json:"events"`
	Artifacts []*types.ArtifactRef      `json:"artifacts"`
}

func (s *Server) handleAttemptGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.projection.Attempt(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	// Every attempt event carries attemptId in its payload; journal order is
	// the attempt's history.
	all, err := s.journal.Range(r.Context(), journal.RangeOpts{TargetID: a.TargetID})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var events []*journal.SequencedEvent
	for _, se := range all {
		if se.Event.PayloadString("attemptId") == id {
			events = append(events, se)
		}
	}

	writeJSON(w, http.StatusOK, AttemptDetail{
		Attempt:   a,
		Events:    events,
		Artifacts: s.projection.ArtifactsForAttempt(id),
	})
}

func (s *Server) handleAttemptsList(w http.ResponseWriter, r *http.Request) {
	target, limit, err := listParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": s.projection.Attempts(target, limit),
	})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	target, limit, err := listParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"failures": s.projection.RecentFailures(target, limit),
	})
}

// InvalidateRequest is the body of POST /v1/attempts/{id}/invalidate.
type InvalidateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	attempt, err := s.projection.Attempt(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errdefs.Wrap(errdefs.KindValidationFailed, "decode request", err))
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, errdefs.New(errdefs.KindValidationFailed, "reason is required"))
		return
	}

	// Invalidation goes through the journal like every other mutation.
	bundle := &types.Bundle{
		BundleID: uuid.New().String(),
		Target:   attempt.TargetID,
		Events: []*types.Event{{
			EventID:   uuid.New().String(),
			EventType: types.EventAttemptInvalidated,
			Timestamp: time.Now().UTC(),
			ActorID:   "operator",
			Payload: map[string]interface{}{
				"attemptId": id,
				"reason":    req.Reason,
			},
		}},
	}
	if _, err := s.journal.Append(r.Context(), bundle); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"attemptId": id, "status": "invalidated"})
}

func (s *Server) handleAutonomyStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.autonomy.Read())
}

// VerifyChainResponse reports a chain verification run.
type VerifyChainResponse struct {
	OK      bool   `json:"ok"`
	BadSeq  uint64 `json:"badSeq,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Alarmed bool   `json:"alarmed"`
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := s.journal.VerifyChain(r.Context(), 0, 0)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if report.OK {
		metrics.ChainVerificationsTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.ChainVerificationsTotal.WithLabelValues("diverged").Inc()
		s.TriggerAlarm(fmt.Sprintf("chain divergence at seq %d: %s", report.BadSeq, report.Detail))
	}
	writeJSON(w, http.StatusOK, VerifyChainResponse{
		OK:      report.OK,
		BadSeq:  report.BadSeq,
		Detail:  report.Detail,
		Alarmed: s.Alarmed(),
	})
}

func (s *Server) handleAckIntegrity(w http.ResponseWriter, _ *http.Request) {
	s.ackAlarm()
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func listParams(r *http.Request) (string, int, error) {
	target := r.URL.Query().Get("target")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return "", 0, errdefs.Newf(errdefs.KindValidationFailed, "invalid limit %q", raw)
		}
		limit = n
	}
	return target, limit, nil
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindValidationFailed, errdefs.KindPolicyViolation, errdefs.KindScopeViolation:
		return http.StatusBadRequest
	case errdefs.KindAuthFailed:
		return http.StatusUnauthorized
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindConflict:
		return http.StatusConflict
	case errdefs.KindIntegrityAlarm:
		return http.StatusServiceUnavailable
	case errdefs.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{
		Kind:  string(errdefs.KindOf(err)),
		Error: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("response encode failed")
	}
}
