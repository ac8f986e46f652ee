package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"geoattest/internal/checks"
	"geoattest/internal/security"
	"geoattest/internal/store"
	"geoattest/internal/verify"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return
		}
		writeError(w, r, http.StatusBadRequest, "read request body", nil)
		return
	}

	if violations := s.validator.Validate(body); len(violations) > 0 {
		writeError(w, r, http.StatusBadRequest, "request does not match schema", violations)
		return
	}

	var req checks.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "decode request", err.Error())
		return
	}
	if err := security.ValidateIdentifier("subject_id", req.SubjectID); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	log := s.logger.WithContext(r.Context()).WithSubject(req.SubjectID)

	if s.limiter != nil && !s.limiter.Allow(req.SubjectID) {
		s.metrics.RecordRateLimited()
		if s.audit != nil {
			_ = s.audit.LogRateLimited(r.Context(), req.SubjectID, r.RemoteAddr)
		}
		log.Warn("verification rate limited", "remote_addr", r.RemoteAddr)
		writeError(w, r, http.StatusTooManyRequests, security.ErrRateLimited.Error(), nil)
		return
	}

	s.resolveIP(r, &req)

	verdict, err := s.verifier.Verify(r.Context(), &req)
	if err != nil {
		if errors.Is(err, verify.ErrInvalidRequest) {
			writeError(w, r, http.StatusBadRequest, err.Error(), nil)
			return
		}
		log.Error("verification failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "verification failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// resolveIP fills missing IP coordinates. Failures leave the payload as it
// was, which makes the IP comparisons inapplicable.
func (s *Server) resolveIP(r *http.Request, req *checks.Request) {
	if s.resolver == nil || req.IP == nil || req.IP.IP == "" || req.IP.HasCoordinates() {
		return
	}
	loc, err := s.resolver.Lookup(r.Context(), req.IP.IP)
	if err != nil {
		s.logger.WithContext(r.Context()).Debug("ip lookup failed", "ip", req.IP.IP, "error", err)
		return
	}
	lat, lon := loc.Lat, loc.Lon
	req.IP.Lat, req.IP.Lon = &lat, &lon
	if req.IP.City == "" {
		req.IP.City = loc.City
	}
	if req.IP.Region == "" {
		req.IP.Region = loc.Region
	}
	if req.IP.Country == "" {
		req.IP.Country = loc.Country
	}
}

// ViolationList is the response of GET /v1/violations.
type ViolationList struct {
	Violations []store.ViolationRecord `json:"violations"`
	Count      int                     `json:"count"`
	Limit      int                     `json:"limit"`
	Offset     int                     `json:"offset"`
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	f, err := parseViolationFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	recs, err := s.ledger.ListViolations(r.Context(), f)
	if err != nil {
		s.logger.WithContext(r.Context()).Error("list violations", "error", err)
		writeError(w, r, http.StatusInternalServerError, "list violations", nil)
		return
	}
	if recs == nil {
		recs = []store.ViolationRecord{}
	}
	writeJSON(w, http.StatusOK, ViolationList{
		Violations: recs,
		Count:      len(recs),
		Limit:      f.Limit,
		Offset:     f.Offset,
	})
}

func parseViolationFilter(r *http.Request) (store.ViolationFilter, error) {
	q := r.URL.Query()
	f := store.ViolationFilter{
		SubjectID: q.Get("subject"),
		Type:      checks.ViolationType(strings.ToUpper(q.Get("type"))),
		Action:    store.ActionTaken(strings.ToUpper(q.Get("action"))),
		Limit:     defaultListLimit,
	}
	if f.Action != "" && !f.Action.Valid() {
		return f, fmt.Errorf("invalid action %q", q.Get("action"))
	}
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid resolved %q", v)
		}
		f.Resolved = &b
	}

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, fmt.Errorf("invalid since: %w", err)
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, fmt.Errorf("invalid until: %w", err)
	}
	if f.Limit, err = parseBounded(q.Get("limit"), defaultListLimit, maxListLimit); err != nil {
		return f, fmt.Errorf("invalid limit: %w", err)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseBounded(v string, def, max int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%q is not a positive integer", v)
	}
	if n > max {
		n = max
	}
	return n, nil
}

func (s *Server) handleGetViolation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.ledger.GetViolation(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, "get violation", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ResolveRequest is the body of POST /v1/violations/{id}/resolve.
type ResolveRequest struct {
	ResolverID string `json:"resolver_id"`
	Notes      string `json:"notes"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body ResolveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "decode request", err.Error())
		return
	}
	if err := security.ValidateIdentifier("resolver_id", body.ResolverID); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	rec, err := s.ledger.ResolveViolation(r.Context(), id, body.ResolverID, body.Notes, s.now())
	if s.audit != nil {
		_ = s.audit.LogViolationResolved(r.Context(), id, body.ResolverID, err)
	}
	if err != nil {
		s.writeStoreError(w, r, "resolve violation", err)
		return
	}
	s.metrics.RecordResolution()
	s.logger.WithContext(r.Context()).Info("violation resolved", "violation_id", id, "resolver_id", body.ResolverID)
	writeJSON(w, http.StatusOK, rec)
}

// HistoryList is the response of GET /v1/history/{subject}.
type HistoryList struct {
	SubjectID string               `json:"subject_id"`
	Entries   []checks.HistoryEntry `json:"entries"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	if err := security.ValidateIdentifier("subject", subject); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	limit, err := parseBounded(r.URL.Query().Get("limit"), defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid limit: "+err.Error(), nil)
		return
	}

	entries, err := s.history.RecentHistory(r.Context(), subject, limit)
	if err != nil {
		s.logger.WithContext(r.Context()).Error("read history", "subject_id", subject, "error", err)
		writeError(w, r, http.StatusInternalServerError, "read history", nil)
		return
	}

	// Stored oldest first; the API lists newest first.
	newest := make([]checks.HistoryEntry, len(entries))
	for i := range entries {
		newest[len(entries)-1-i] = entries[i]
	}
	writeJSON(w, http.StatusOK, HistoryList{SubjectID: subject, Entries: newest})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "violation not found", nil)
	case errors.Is(err, store.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, "violation already resolved", nil)
	case errors.Is(err, store.ErrIntegrity):
		s.logger.WithContext(r.Context()).Error(op, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "ledger integrity check failed", nil)
	default:
		s.logger.WithContext(r.Context()).Error(op, "error", err)
		writeError(w, r, http.StatusInternalServerError, op, nil)
	}
}
