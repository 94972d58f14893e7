package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"relay/internal/relay"
)

// SubscribeRequest is the body of POST /v1/subscriptions.
type SubscribeRequest struct {
	Transport  string  `json:"transport"`
	ResumeFrom *uint64 `json:"resumeFrom,omitempty"`
}

// AppendRequest is the body of POST /v1/events.
type AppendRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PullResponse is the body returned by GET /v1/subscriptions/{id}/events.
type PullResponse struct {
	Events     []relay.Event `json:"events"`
	NextCursor uint64        `json:"nextCursor"`
	HasData    bool          `json:"hasData"`
	TimedOut   bool          `json:"timedOut"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind, err := relay.ParseTransportKind(req.Transport)
	if err != nil {
		writeHubError(w, err)
		return
	}

	sub, err := s.hub.Subscribe(r.Context(), kind, req.ResumeFrom)
	if err != nil {
		writeHubError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.hub.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeHubError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Unsubscribe(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeHubError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	var opts relay.PullOptions
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		opts.Limit = limit
	}
	if v := q.Get("wait"); v != "" {
		wait, err := parseWait(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.MaxWait = wait
	}

	batch, err := s.hub.Pull(r.Context(), id, opts)
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Debug("pull canceled by client", zap.String("subscriber", id))
			return
		}
		writeHubError(w, err)
		return
	}

	events := batch.Events
	if events == nil {
		events = []relay.Event{}
	}

	writeJSON(w, http.StatusOK, PullResponse{
		Events:     events,
		NextCursor: batch.NextCursor,
		HasData:    len(events) > 0,
		TimedOut:   batch.TimedOut,
	})
}

// parseWait accepts a Go duration ("25s") or a whole number of seconds.
func parseWait(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", v)
	}
	return d, nil
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "event type is required")
		return
	}
	if err := relay.ValidateType(req.Type); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n := relay.Notification{Type: req.Type}
	if len(req.Payload) > 0 {
		n.Payload = req.Payload
	}

	e, err := s.hub.AppendEvent(r.Context(), n)
	if err != nil {
		writeHubError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, e)
}

// GeneratorStatus is returned by the /v1/generator endpoints. Changed is false
// when start or stop found the generator already in that state.
type GeneratorStatus struct {
	Running bool   `json:"running"`
	Changed bool   `json:"changed"`
	Emitted uint64 `json:"emitted"`
}

func (s *Server) generatorStatus(changed bool) GeneratorStatus {
	return GeneratorStatus{
		Running: s.generator.Running(),
		Changed: changed,
		Emitted: s.generator.Emitted(),
	}
}

func (s *Server) handleGeneratorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.generatorStatus(false))
}

func (s *Server) handleGeneratorStart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.generatorStatus(s.generator.Start()))
}

func (s *Server) handleGeneratorStop(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.generatorStatus(s.generator.Stop()))
}

// resumePoint reads the resume position from the resumeFrom query parameter,
// falling back to the Last-Event-ID header sent by reconnecting EventSource clients.
func resumePoint(r *http.Request) (*uint64, error) {
	v := r.URL.Query().Get("resumeFrom")
	if v == "" {
		v = r.Header.Get("Last-Event-ID")
	}
	if v == "" {
		return nil, nil
	}

	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, errors.New("resume point must be a sequence number")
	}
	return &seq, nil
}
