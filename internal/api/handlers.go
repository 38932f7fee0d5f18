package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"strategy-sandbox/internal/monitor"
	"strategy-sandbox/internal/orchestrator"
	"strategy-sandbox/internal/storage"
	"strategy-sandbox/internal/strategy"
)

const (
	multipartMemory = 32 << 20

	minScore         = 1
	maxScore         = 5
	maxCommentLength = 4000
)

// JobSubmitter accepts jobs for asynchronous execution.
type JobSubmitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*strategy.Job, error)
}

// JobStore is the read side of job persistence.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*strategy.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]*strategy.Job, error)
	Healthy(ctx context.Context) bool
	UpsertRating(ctx context.Context, r *storage.Rating) error
	AddComment(ctx context.Context, c *storage.Comment) error
}

type Handlers struct {
	jobs          JobSubmitter
	store         JobStore
	metrics       *monitor.Metrics
	detector      *monitor.EscapeDetector
	userHeader    string
	blockCritical bool
}

func NewHandlers(jobs JobSubmitter, store JobStore, metrics *monitor.Metrics, userHeader string, blockCritical bool) *Handlers {
	return &Handlers{
		jobs:          jobs,
		store:         store,
		metrics:       metrics,
		detector:      monitor.NewEscapeDetector(),
		userHeader:    userHeader,
		blockCritical: blockCritical,
	}
}

// HandleSubmitJob accepts a strategy as JSON or as a multipart upload and
// answers 202 once the job is queued.
func (h *Handlers) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	user, ok := h.identity(w, r)
	if !ok {
		return
	}
	req, err := h.decodeSubmission(r)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	req.UserID = user

	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(req.Dataset) == 0 {
		writeError(w, "dataset is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	detections := h.detector.AnalyzeCode(req.Code)
	for _, d := range detections {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}
	if h.blockCritical && monitor.HasCritical(detections) {
		log.Warn().
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("user_id", req.UserID).
			Int("findings", len(detections)).
			Msg("submission blocked by static analysis")
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error:     "strategy code uses forbidden capabilities",
			Code:      "SECURITY_BLOCKED",
			RequestID: RequestIDFromContext(r.Context()),
			Findings:  findings(detections),
		})
		return
	}

	job, err := h.jobs.Submit(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrInvalidSubmission):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	case errors.Is(err, orchestrator.ErrQueueUnavailable):
		writeError(w, "job could not be queued", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("job submission failed")
		writeError(w, "job submission failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitJobResponse{JobID: job.ID, Status: job.Status})
}

func (h *Handlers) decodeSubmission(r *http.Request) (orchestrator.SubmitRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return decodeMultipart(r)
	}

	var body SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return orchestrator.SubmitRequest{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return orchestrator.SubmitRequest{
		Code:           body.Code,
		Language:       strategy.Language(body.Language),
		Dataset:        []byte(body.Dataset),
		Title:          body.Title,
		Description:    body.Description,
		Category:       body.Category,
		AssetClass:     body.AssetClass,
		TimeseriesName: body.TimeseriesName,
		Limits:         strategy.Limits{Timeout: body.Timeout.Duration, MemoryMB: body.MemoryMB},
	}, nil
}

// decodeMultipart reads the python_file (or code_file) and data_file parts.
// Without an explicit language, a .star upload selects starlark.
func decodeMultipart(r *http.Request) (orchestrator.SubmitRequest, error) {
	var req orchestrator.SubmitRequest
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return req, fmt.Errorf("invalid multipart form: %w", err)
	}

	code, name, err := formFile(r, "python_file", "code_file")
	if err != nil {
		return req, err
	}
	data, _, err := formFile(r, "data_file")
	if err != nil {
		return req, err
	}

	req.Code = string(code)
	req.Dataset = data
	req.Language = strategy.Language(r.FormValue("language"))
	if req.Language == "" && strings.EqualFold(filepath.Ext(name), ".star") {
		req.Language = strategy.LanguageStarlark
	}
	req.Title = r.FormValue("title")
	req.Description = r.FormValue("description")
	req.Category = r.FormValue("category")
	req.AssetClass = r.FormValue("asset_class")
	req.TimeseriesName = r.FormValue("timeseries_name")

	if v := r.FormValue("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return req, fmt.Errorf("invalid timeout: %w", err)
		}
		req.Limits.Timeout = d
	}
	if v := r.FormValue("memory_mb"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid memory_mb: %w", err)
		}
		req.Limits.MemoryMB = n
	}
	return req, nil
}

// formFile returns the first of the named file parts that is present.
func formFile(r *http.Request, fields ...string) ([]byte, string, error) {
	for _, field := range fields {
		f, hdr, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", field, err)
		}
		defer f.Close()
		b, err := io.ReadAll(f)
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", field, err)
		}
		return b, hdr.Filename, nil
	}
	return nil, "", fmt.Errorf("%s is required", strings.Join(fields, " or "))
}

func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	user, ok := h.identity(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "job ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "job not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Str("job_id", id).Msg("failed to load job")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	// Jobs owned by someone else are reported as missing.
	if user != "" && job.UserID != user {
		writeError(w, "job not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := h.identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	filter := storage.JobFilter{
		UserID:   q.Get("user_id"),
		Status:   strategy.Status(q.Get("status")),
		Language: strategy.Language(q.Get("language")),
	}
	if user != "" {
		filter.UserID = user
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, "unknown status "+strconv.Quote(string(filter.Status)), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, "invalid "+name, "INVALID_REQUEST", http.StatusBadRequest, r)
				return
			}
			*dst = n
		}
	}

	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to list jobs")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if jobs == nil {
		jobs = []*strategy.Job{}
	}

	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleRateJob records the caller's 1 to 5 score for a job, replacing any
// earlier rating by the same user.
func (h *Handlers) HandleRateJob(w http.ResponseWriter, r *http.Request) {
	user, ok := h.feedbackIdentity(w, r)
	if !ok {
		return
	}

	var body RateJobRequest
	if isForm(r) {
		score, err := strconv.Atoi(r.FormValue("score"))
		if err != nil {
			writeError(w, "score must be an integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		body = RateJobRequest{Score: score, Comment: r.FormValue("comment")}
	} else if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if body.Score < minScore || body.Score > maxScore {
		writeError(w, fmt.Sprintf("score must be between %d and %d", minScore, maxScore), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(body.Comment) > maxCommentLength {
		writeError(w, fmt.Sprintf("comment longer than %d bytes", maxCommentLength), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	rating := &storage.Rating{
		JobID:   r.PathValue("id"),
		UserID:  user,
		Score:   body.Score,
		Comment: strings.TrimSpace(body.Comment),
	}
	if err := h.store.UpsertRating(r.Context(), rating); err != nil {
		h.feedbackFailed(w, r, rating.JobID, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

// HandleCommentJob appends a comment to a job.
func (h *Handlers) HandleCommentJob(w http.ResponseWriter, r *http.Request) {
	user, ok := h.feedbackIdentity(w, r)
	if !ok {
		return
	}

	var body CommentRequest
	if isForm(r) {
		body.Content = r.FormValue("content")
	} else if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	content := strings.TrimSpace(body.Content)
	switch {
	case content == "":
		writeError(w, "content is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	case len(content) > maxCommentLength:
		writeError(w, fmt.Sprintf("content longer than %d bytes", maxCommentLength), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	comment := &storage.Comment{
		ID:      uuid.New().String(),
		JobID:   r.PathValue("id"),
		UserID:  user,
		Content: content,
	}
	if err := h.store.AddComment(r.Context(), comment); err != nil {
		h.feedbackFailed(w, r, comment.JobID, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *Handlers) feedbackFailed(w http.ResponseWriter, r *http.Request, jobID string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "job not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	log.Error().Err(err).Str("job_id", jobID).Msg("failed to store feedback")
	writeError(w, "feedback could not be saved", "INTERNAL", http.StatusInternalServerError, r)
}

// identity returns the caller's user ID. With a user header configured, a
// request without one is answered 401 and ok is false. Without a header
// every caller is anonymous and sees every job.
func (h *Handlers) identity(w http.ResponseWriter, r *http.Request) (user string, ok bool) {
	if h.userHeader == "" {
		return "", true
	}
	user = strings.TrimSpace(r.Header.Get(h.userHeader))
	if user == "" {
		writeError(w, h.userHeader+" header is required", "IDENTITY_REQUIRED", http.StatusUnauthorized, r)
		return "", false
	}
	return user, true
}

// feedbackIdentity is identity for ratings and comments, which always need
// a named author.
func (h *Handlers) feedbackIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := h.identity(w, r)
	if ok && user == "" {
		writeError(w, "feedback needs a user identity", "IDENTITY_REQUIRED", http.StatusUnauthorized, r)
		return "", false
	}
	return user, ok
}

func isForm(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data"
}

func findings(dets []monitor.Detection) []SecurityFinding {
	out := make([]SecurityFinding, 0, len(dets))
	for _, d := range dets {
		out = append(out, SecurityFinding{Pattern: d.Pattern, Severity: d.Severity, Detail: d.Detail, Line: d.Line})
	}
	return out
}

// writeJSON encodes v before touching w, so a value that cannot be encoded
// becomes a 500 instead of a truncated success.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Int("status", status).Msg("failed to encode response")
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{Error: "response could not be encoded", Code: "INTERNAL"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
