package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wxsend/internal/domain"
)

// ServiceName is the only service this gateway fronts.
const ServiceName = "personal-wechat"

// Operations is what the gateway exposes over HTTP.
type Operations interface {
	Status(ctx context.Context) domain.Result
	Contacts(ctx context.Context) domain.Result
	SendText(ctx context.Context, req domain.TextRequest) domain.Result
	SendFile(ctx context.Context, req domain.FileRequest) domain.Result
}

type Handler struct {
	ops     Operations
	logger  *slog.Logger
	maxBody int64
}

func NewHandler(ops Operations, maxBody int64, logger *slog.Logger) *Handler {
	if maxBody <= 0 {
		maxBody = 50 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ops: ops, logger: logger, maxBody: maxBody}
}

type sendTextBody struct {
	Service string `json:"service,omitempty"`
	domain.TextRequest
}

type sendFileBody struct {
	Service string `json:"service,omitempty"`
	domain.FileRequest
}

type serviceResult struct {
	Service string `json:"service"`
	domain.Result
}

// APIKeyHelp explains how to authenticate. It needs no key.
func (h *Handler) APIKeyHelp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"title":   "API key",
		"message": "Every endpoint except this one requires the x-api-key header.",
		"steps": []string{
			"Set server.apiKey in the wxsend config, or WXSEND_API_KEY in the environment or .env file.",
			"Restart wxsend serve.",
			"Send the same value in the x-api-key header of every request.",
		},
	})
}

// Health reports gateway liveness and the desktop client session.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.ops.Status(r.Context())
	svc := map[string]any{"status": "ok", "logged_in": st.LoggedIn, "user": st.User}
	if !st.Success {
		svc = map[string]any{"status": "error", "logged_in": false, "error": st.Error, "error_kind": st.ErrorKind}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  map[string]any{ServiceName: svc},
	})
}

func (h *Handler) Services(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count": 1,
		"services": []map[string]any{{
			"name":        ServiceName,
			"displayName": "Personal WeChat (wxauto)",
			"description": "Drives the WeChat PC client through UI automation",
			"features":    []string{"text", "file", "image"},
			"provider":    "wxauto",
		}},
	})
}

func (h *Handler) SendText(w http.ResponseWriter, r *http.Request) {
	var body sendTextBody
	if !h.decode(w, r, &body) || !checkService(w, body.Service) {
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusInternalServerError, "text is required")
		return
	}
	res := h.ops.SendText(r.Context(), body.TextRequest)
	writeJSON(w, statusFor(res), serviceResult{Service: ServiceName, Result: res})
}

func (h *Handler) SendFile(w http.ResponseWriter, r *http.Request) {
	var body sendFileBody
	if !h.decode(w, r, &body) || !checkService(w, body.Service) {
		return
	}
	if body.URL == "" && (body.FileData == nil || body.FileData.Data == "") {
		writeError(w, http.StatusInternalServerError, "url or fileData is required")
		return
	}
	res := h.ops.SendFile(r.Context(), body.FileRequest)
	writeJSON(w, statusFor(res), serviceResult{Service: ServiceName, Result: res})
}

func (h *Handler) Contacts(w http.ResponseWriter, r *http.Request) {
	res := h.ops.Contacts(r.Context())
	writeJSON(w, statusFor(res), map[string]any{
		"success":  res.Success,
		"count":    len(res.Contacts),
		"provider": "wxauto",
		"contacts": nonNil(res.Contacts),
		"error":    res.Error,
	})
}

// Rooms is kept for clients of the older gateway; group listing is not
// available through the automation helper.
func (h *Handler) Rooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    0,
		"provider": "wxauto",
		"rooms":    []domain.Contact{},
	})
}

func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":              "endpoint not found",
		"path":               r.URL.Path,
		"availableEndpoints": endpoints,
	})
}

// decode reads a size-limited JSON body into v and answers the request on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.logger.Debug("bad request body", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func checkService(w http.ResponseWriter, name string) bool {
	if name == "" || name == ServiceName {
		return true
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"success":           false,
		"error":             "unsupported service: " + name,
		"error_kind":        domain.KindInvalidRequest,
		"availableServices": []string{ServiceName},
	})
	return false
}

func statusFor(res domain.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.ErrorKind == domain.KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func nonNil(c []domain.Contact) []domain.Contact {
	if c == nil {
		return []domain.Contact{}
	}
	return c
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg, "error_kind": domain.KindInvalidRequest})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}
