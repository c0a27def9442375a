package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), 1)
	if err != nil {
		badRequest(w, "page: "+err.Error())
		return
	}
	pageSize, err := queryInt(q.Get("pageSize"), 0)
	if err != nil {
		badRequest(w, "pageSize: "+err.Error())
		return
	}

	res, err := s.logs.List(r.Context(), page, pageSize, q.Get("type"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := s.logs.GetByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLogsByRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseRangeTime(q.Get("from"), false)
	if err != nil {
		badRequest(w, "from: "+err.Error())
		return
	}
	to, err := parseRangeTime(q.Get("to"), true)
	if err != nil {
		badRequest(w, "to: "+err.Error())
		return
	}

	logs, err := s.logs.ByDateRange(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":  from,
		"to":    to,
		"total": len(logs),
		"data":  logs,
	})
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.logs.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePurgeLogs(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r.URL.Query().Get("days"), 30)
	if err != nil {
		badRequest(w, "days: "+err.Error())
		return
	}
	n, err := s.logs.PurgeOlderThan(r.Context(), days)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("deleted %d log records older than %d days", n, days),
		"deleted": n,
		"days":    days,
	})
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	return n, nil
}

// parseRangeTime accepts RFC 3339 timestamps or plain dates. A plain date
// used as an upper bound means the end of that day.
func parseRangeTime(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", raw)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Microsecond)
	}
	return d, nil
}
