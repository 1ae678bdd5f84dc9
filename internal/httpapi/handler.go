// Package httpapi exposes the submission service over HTTP. Identity
// is taken from headers set by the authenticating front end, so the
// handler must only ever be reachable through that proxy.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pass-dev/pass-server/internal/catalog"
	"github.com/pass-dev/pass-server/internal/dispatch"
	"github.com/pass-dev/pass-server/internal/identity"
	"github.com/pass-dev/pass-server/internal/intake"
	"github.com/pass-dev/pass-server/internal/requeue"
	"github.com/pass-dev/pass-server/internal/submission"
)

var ErrInvalidConfig = errors.New("httpapi: invalid config")

const (
	headerUserID    = "X-Pass-User-Id"
	headerUsername  = "X-Pass-User"
	headerRole      = "X-Pass-Role"
	headerRequestID = "X-Request-Id"
)

type Config struct {
	MaxUploadBytes int64

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	CoursesCacheTTL        time.Duration
	CoursesCacheMaxEntries int

	Now func() time.Time
}

// Submitter accepts a validated upload. *intake.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, rc identity.RequestContext, mode intake.Mode, req intake.Request) (intake.Result, error)
}

// Admin covers the upload-directory maintenance operations.
// *requeue.Administrator satisfies it.
type Admin interface {
	Requeue(ctx context.Context, rc identity.RequestContext, dirs []string) ([]requeue.Outcome, error)
	Delete(ctx context.Context, rc identity.RequestContext, dirs []string, opts requeue.DeleteOptions) ([]requeue.DeleteOutcome, error)
	List(ctx context.Context, rc identity.RequestContext) ([]requeue.ListEntry, error)
}

// Catalog is the course and assignment source. *catalog.Client
// satisfies it.
type Catalog interface {
	Courses(ctx context.Context) ([]catalog.Course, error)
	Assignments(ctx context.Context, courseCode string) ([]catalog.Assignment, error)
}

func NewHandler(cfg Config, svc Submitter, admin Admin, cat Catalog, store submission.Store, log *slog.Logger) (http.Handler, error) {
	if svc == nil || admin == nil || cat == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.CoursesCacheTTL <= 0 {
		cfg.CoursesCacheTTL = 30 * time.Second
	}
	if cfg.CoursesCacheMaxEntries <= 0 {
		cfg.CoursesCacheMaxEntries = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{
		cfg:    cfg,
		svc:    svc,
		admin:  admin,
		cat:    cat,
		store:  store,
		log:    log,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
		coursesCache: newResponseCache(cfg.CoursesCacheTTL, cfg.CoursesCacheMaxEntries),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/courses", h.handleCourses)
	mux.HandleFunc("GET /v1/courses/{course}/assignments", h.handleAssignments)
	mux.HandleFunc("POST /v1/submissions", h.handleSubmit)
	mux.HandleFunc("GET /v1/submissions", h.handleSubmissionList)
	mux.HandleFunc("GET /v1/submissions/{id}", h.handleSubmissionStatus)
	mux.HandleFunc("GET /v1/admin/uploads", h.handleAdminList)
	mux.HandleFunc("POST /v1/admin/uploads/requeue", h.handleAdminRequeue)
	mux.HandleFunc("POST /v1/admin/uploads/delete", h.handleAdminDelete)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg   Config
	svc   Submitter
	admin Admin
	cat   Catalog
	store submission.Store
	log   *slog.Logger

	limiter      *ipRateLimiter
	coursesCache *responseCache
}

// requestContext rebuilds the caller identity from the proxy headers.
func requestContext(r *http.Request) (identity.RequestContext, bool) {
	username := strings.TrimSpace(r.Header.Get(headerUsername))
	idStr := strings.TrimSpace(r.Header.Get(headerUserID))
	if username == "" || idStr == "" {
		return identity.RequestContext{}, false
	}
	userID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || userID <= 0 {
		return identity.RequestContext{}, false
	}
	role, err := identity.ParseRole(strings.TrimSpace(r.Header.Get(headerRole)))
	if err != nil {
		role = identity.RoleStudent
	}
	requestID := strings.TrimSpace(r.Header.Get(headerRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return identity.RequestContext{
		UserID:    userID,
		Username:  username,
		Role:      role,
		RequestID: requestID,
	}, true
}

func (h *handler) authed(w http.ResponseWriter, r *http.Request) (identity.RequestContext, bool) {
	rc, ok := requestContext(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"version": "v1",
			"error":   "unauthenticated",
		})
	}
	return rc, ok
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleCourses(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authed(w, r); !ok {
		return
	}

	now := h.cfg.Now().UTC()
	if body, ok := h.coursesCache.Get("courses", now); ok {
		writeJSONBytes(w, http.StatusOK, body)
		return
	}

	courses, err := h.cat.Courses(r.Context())
	if err != nil {
		h.log.Error("course catalog fetch failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"version": "v1",
			"error":   "catalog_unavailable",
		})
		return
	}

	out := make([]map[string]any, 0, len(courses))
	for _, c := range courses {
		out = append(out, map[string]any{
			"code":  c.Code,
			"title": c.Title,
		})
	}
	body, err := json.Marshal(map[string]any{
		"version": "v1",
		"courses": out,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}
	body = append(body, '\n')
	h.coursesCache.Set("courses", body, now)
	writeJSONBytes(w, http.StatusOK, body)
}

func (h *handler) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authed(w, r); !ok {
		return
	}

	course := r.PathValue("course")
	assignments, err := h.cat.Assignments(r.Context(), course)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownCourse) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"version": "v1",
				"error":   "unknown_course",
			})
			return
		}
		h.log.Error("assignment catalog fetch failed", "course", course, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"version": "v1",
			"error":   "catalog_unavailable",
		})
		return
	}

	out := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		entry := map[string]any{
			"name":           a.Name,
			"title":          a.Title,
			"language":       a.Language,
			"subPathAllowed": a.RelPath,
			"requiredFiles":  a.RequiredFiles(),
		}
		if a.Due != "" {
			entry["due"] = a.Due
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"course":      course,
		"assignments": out,
	})
}

func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.authed(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_multipart",
		})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req, err := submitRequest(rc, r.MultipartForm)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_upload",
			"detail":  err.Error(),
		})
		return
	}

	res, err := h.svc.Submit(r.Context(), rc, placementMode(r), req)
	if err != nil {
		h.writeSubmitError(w, rc, res, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"version":      "v1",
		"submissionId": res.SubmissionID,
		"directory":    res.Identity.DirName(),
		"token":        res.Identity.Token,
		"status":       submission.StatusQueued.String(),
		"files":        fileResults(res.Files),
	})
}

func (h *handler) writeSubmitError(w http.ResponseWriter, rc identity.RequestContext, res intake.Result, err error) {
	var verr *intake.ValidationError
	if errors.As(err, &verr) {
		rejections := make([]map[string]any, 0, len(verr.Rejections))
		for _, rej := range verr.Rejections {
			rejections = append(rejections, map[string]any{
				"reason":  rej.Reason.String(),
				"subject": rej.Subject,
				"detail":  rej.Detail,
			})
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"version":    "v1",
			"error":      "validation_failed",
			"rejections": rejections,
		})
		return
	}

	if errors.Is(err, intake.ErrNoFilesPlaced) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"version": "v1",
			"error":   "no_files_placed",
			"files":   fileResults(res.Files),
		})
		return
	}

	var pubErr *dispatch.PublishFailure
	if errors.As(err, &pubErr) && res.PublishPending {
		// The upload is on disk and in the database; only the queue
		// publish is missing, which an administrator can replay.
		writeJSON(w, http.StatusAccepted, map[string]any{
			"version":      "v1",
			"submissionId": res.SubmissionID,
			"directory":    res.Identity.DirName(),
			"status":       submission.StatusUploaded.String(),
			"pending":      true,
		})
		return
	}

	h.log.Error("submission failed",
		"user", rc.Username,
		"request_id", rc.RequestID,
		"error", err,
	)
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"version": "v1",
		"error":   "internal",
	})
}

// submitRequest maps the multipart form onto an intake request. The
// i-th subpath and language values belong to the i-th file part.
func submitRequest(rc identity.RequestContext, form *multipart.Form) (intake.Request, error) {
	get := func(key string) string {
		vals := form.Value[key]
		if len(vals) == 0 {
			return ""
		}
		return strings.TrimSpace(vals[0])
	}

	req := intake.Request{
		Course:     get("course"),
		Assignment: get("assignment"),
		Agree:      boolField(get("agree")),
		Encoding:   get("encoding"),
	}

	if raw := get("groupNumber"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return intake.Request{}, fmt.Errorf("bad groupNumber %q", raw)
		}
		req.GroupNumber = n
	}

	req.Members = form.Value["member"]
	if len(req.Members) == 0 {
		req.Members = []string{rc.Username}
	}

	files := form.File["file"]
	subPaths := form.Value["subpath"]
	languages := form.Value["language"]
	for i, fh := range files {
		content, err := readPart(fh)
		if err != nil {
			return intake.Request{}, fmt.Errorf("read %q: %w", fh.Filename, err)
		}
		up := intake.FileUpload{Name: fh.Filename, Content: content}
		if i < len(subPaths) {
			up.SubPath = strings.TrimSpace(subPaths[i])
		}
		if i < len(languages) {
			up.Language = strings.TrimSpace(languages[i])
		}
		req.Files = append(req.Files, up)
	}
	return req, nil
}

// placementMode parses the optional mode query parameter. Strict
// placement is the default; fallback placement, which keeps going
// after a failed sub-path by flattening into the directory root, must
// be asked for.
func placementMode(r *http.Request) intake.Mode {
	if r.URL.Query().Get("mode") == "fallback" {
		return intake.ModeFallback
	}
	return intake.ModeStrict
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func boolField(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func fileResults(files []intake.FileResult) []map[string]any {
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		entry := map[string]any{
			"path":   f.Path,
			"placed": f.Placed,
		}
		if f.Problem != "" {
			entry["problem"] = f.Problem
		}
		out = append(out, entry)
	}
	return out
}

func (h *handler) handleSubmissionList(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.authed(w, r)
	if !ok {
		return
	}

	f := submission.Filter{
		Course:     strings.TrimSpace(r.URL.Query().Get("course")),
		Assignment: strings.TrimSpace(r.URL.Query().Get("assignment")),
		UploadedBy: rc.UserID,
	}
	if rc.IsStaff() {
		f.UploadedBy = 0
		if raw := strings.TrimSpace(r.URL.Query().Get("user")); raw != "" {
			userID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"version": "v1",
					"error":   "invalid_user",
				})
				return
			}
			f.UploadedBy = userID
		}
	}

	recs, err := h.store.List(r.Context(), f)
	if err != nil {
		h.log.Error("submission list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}
	positions, err := h.store.QueuePositions(r.Context())
	if err != nil {
		h.log.Error("queue positions failed", "error", err)
		positions = nil
	}

	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, submissionJSON(rec, positions))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"submissions": out,
	})
}

func (h *handler) handleSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.authed(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_submission_id",
		})
		return
	}

	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"version": "v1",
				"error":   "not_found",
			})
			return
		}
		h.log.Error("submission lookup failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}

	// Students only see their own rows.
	if !rc.IsStaff() && rec.UploadedBy != rc.UserID {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"version": "v1",
			"error":   "not_found",
		})
		return
	}

	positions, err := h.store.QueuePositions(r.Context())
	if err != nil {
		positions = nil
	}
	writeJSON(w, http.StatusOK, submissionJSON(rec, positions))
}

func submissionJSON(rec submission.Record, positions map[int64]int) map[string]any {
	out := map[string]any{
		"version":      "v1",
		"submissionId": rec.ID,
		"course":       rec.Course,
		"assignment":   rec.Assignment,
		"directory":    rec.Identity().DirName(),
		"uploadedAt":   rec.UploadTime.UTC().Format(time.RFC3339),
		"status":       rec.Status.String(),
	}
	if rec.ExitCode != nil {
		out["exitCode"] = *rec.ExitCode
	}
	if pos, ok := positions[rec.ID]; ok && rec.Status == submission.StatusQueued {
		out["queuePosition"] = pos
	}
	return out
}

func (h *handler) handleAdminList(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.authed(w, r)
	if !ok {
		return
	}

	entries, err := h.admin.List(r.Context(), rc)
	if err != nil {
		h.writeAdminError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		entry := map[string]any{
			"directory":    e.DirName,
			"hasUploadDir": e.HasUploadDir,
			"hasResultDir": e.HasResultDir,
			"students":     e.Students,
			"dataErrors":   e.DataErrors,
		}
		if e.Record != nil {
			entry["submissionId"] = e.Record.ID
			entry["course"] = e.Record.Course
			entry["assignment"] = e.Record.Assignment
			entry["status"] = e.Record.Status.String()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"uploads": out,
	})
}

type adminDirsBody struct {
	Dirs []string `json:"dirs"`
}

func (h *handler) handleAdminRequeue(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.authed(w, r)
	if !ok {
		return
	}

	body, ok := decodeJSONBody[adminDirsBody](w, r)
	if !ok {
		return
	}
	if len(body.Dirs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "no_directories",
		})
		return
	}

	outcomes, err := h.admin.Requeue(r.Context(), rc, body.Dirs)
	if err != nil {
		h.writeAdminError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(outcomes))
	for _, o := range outcomes {
		entry := map[string]any{
			"directory": o.Dir,
			"outcome":   o.Kind.String(),
		}
		if o.SubmissionID != 0 {
			entry["submissionId"] = o.SubmissionID
		}
		if o.Err != nil {
			entry["error"] = o.Err.Error()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"results": out,
	})
}

type adminDeleteBody struct {
	Dirs       []string `json:"dirs"`
	Archive    bool     `json:"archive"`
	DeleteRows bool     `json:"deleteRows"`
}

func (h *handler) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.authed(w, r)
	if !ok {
		return
	}

	body, ok := decodeJSONBody[adminDeleteBody](w, r)
	if !ok {
		return
	}
	if len(body.Dirs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "no_directories",
		})
		return
	}

	outcomes, err := h.admin.Delete(r.Context(), rc, body.Dirs, requeue.DeleteOptions{
		Archive:    body.Archive,
		DeleteRows: body.DeleteRows,
	})
	if err != nil {
		h.writeAdminError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(outcomes))
	for _, o := range outcomes {
		entry := map[string]any{
			"directory":  o.Dir,
			"archived":   o.Archived,
			"rowDeleted": o.RowDeleted,
		}
		if o.ArchiveKey != "" {
			entry["archiveKey"] = o.ArchiveKey
		}
		if o.SubmissionID != 0 {
			entry["submissionId"] = o.SubmissionID
		}
		if o.Err != nil {
			entry["error"] = o.Err.Error()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"results": out,
	})
}

func (h *handler) writeAdminError(w http.ResponseWriter, err error) {
	if errors.Is(err, requeue.ErrNotAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"version": "v1",
			"error":   "forbidden",
		})
		return
	}
	h.log.Error("admin operation failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"version": "v1",
		"error":   "internal",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONBytes(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}
