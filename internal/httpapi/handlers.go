package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	apperrors "github.com/paparats/paparats/internal/errors"
	"github.com/paparats/paparats/internal/query"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates an *errors.Error into the taxonomy's HTTP
// status (spec §7) and body; any other error is wrapped as internal.
func writeError(w http.ResponseWriter, err error) {
	kind := apperrors.GetKind(err)
	status := kind.HTTPStatus()
	if kind == "" {
		status = http.StatusInternalServerError
	}
	body, marshalErr := apperrors.FormatJSON(err)
	if marshalErr != nil {
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.InputError("malformed JSON request body", err)
	}
	return nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Group == "" || req.Query == "" {
		writeError(w, apperrors.InputError("fields \"group\" and \"query\" are required", nil))
		return
	}

	result, err := s.engine.Search(r.Context(), req.Group, req.Query, query.Options{
		Project: req.Project,
		Limit:   req.Limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Results: toResultDTOs(result.Hits),
		Total:   len(result.Hits),
		Metrics: metricsDTO{
			TokensReturned:          result.Metrics.TokensReturned,
			EstimatedFullFileTokens: result.Metrics.EstimatedFullFileTokens,
			TokensSaved:             result.Metrics.TokensSaved,
			SavingsPercent:          result.Metrics.SavingsPercent,
		},
	})
}

func toResultDTOs(hits []query.Result) []resultDTO {
	out := make([]resultDTO, len(hits))
	for i, h := range hits {
		out[i] = resultDTO{Score: h.Score, Payload: h.Payload}
	}
	return out
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Group == "" || req.Project == "" {
		writeError(w, apperrors.InputError("fields \"group\" and \"project\" are required", nil))
		return
	}
	if len(req.Files) == 0 {
		writeError(w, apperrors.InputError("field \"files\" must not be empty", nil))
		return
	}

	proj, err := s.registry.EnsureDefault(req.Group, req.Project)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := indexResponse{Status: "ok", Group: req.Group, Project: req.Project}
	for _, f := range req.Files {
		counters, err := s.indexer.IndexFileContent(r.Context(), proj, f.Path, []byte(f.Content))
		if err != nil {
			resp.Errors = append(resp.Errors, f.Path+": "+err.Error())
			resp.Skipped++
			continue
		}
		resp.Chunks += counters.Chunks
		resp.Skipped += counters.Skipped
	}
	s.engine.InvalidateGroup(req.Group)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFileChanged(w http.ResponseWriter, r *http.Request) {
	var req fileChangedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Group == "" || req.Project == "" || req.Path == "" {
		writeError(w, apperrors.InputError("fields \"group\", \"project\", and \"path\" are required", nil))
		return
	}

	proj, ok := s.registry.Get(req.Group, req.Project)
	if !ok {
		writeError(w, apperrors.InputError("project is not registered: "+req.Group+"/"+req.Project, nil))
		return
	}

	if _, err := s.indexer.IndexFileContent(r.Context(), proj, req.Path, []byte(req.Content)); err != nil {
		writeError(w, err)
		return
	}
	s.engine.InvalidateGroup(req.Group)

	writeJSON(w, http.StatusOK, statusMessageResponse{Status: "ok", Message: "File reindexed"})
}

func (s *Server) handleFileDeleted(w http.ResponseWriter, r *http.Request) {
	var req fileDeletedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Group == "" || req.Project == "" || req.Path == "" {
		writeError(w, apperrors.InputError("fields \"group\", \"project\", and \"path\" are required", nil))
		return
	}

	if err := s.indexer.DeleteFile(r.Context(), req.Group, req.Project, req.Path); err != nil {
		writeError(w, err)
		return
	}
	s.engine.InvalidateGroup(req.Group)

	writeJSON(w, http.StatusOK, statusMessageResponse{Status: "ok", Message: "File removed from index"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, healthErrorResponse{
			Status: "error",
			Error:  "server is shutting down",
		})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Groups: s.registry.Groups(),
		Uptime: time.Since(s.startTime).Seconds(),
		Memory: currentMemory(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var cache any
	if s.embedCache != nil {
		cache = s.embedCache.Stats()
	}
	var watcherStats any
	if s.watcher != nil {
		watcherStats = s.watcher.Stats()
	}
	var usage any
	if s.metrics != nil {
		usage = s.metrics.Snapshot()
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Groups:             s.registry.Groups(),
		RegisteredProjects: s.registry.Count(),
		Cache:              cache,
		Watcher:            watcherStats,
		Usage:              usage,
		Memory:             currentMemory(),
	})
}

func currentMemory() memoryDTO {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	var percent float64
	if m.Sys > 0 {
		percent = float64(m.HeapAlloc) / float64(m.Sys) * 100
	}
	return memoryDTO{HeapUsed: m.HeapAlloc, HeapTotal: m.Sys, Percent: percent}
}
