package authz

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridianstat/authz-service/internal/platform/httpx"
)

// maxBatchSize bounds one batch authorization call.
const maxBatchSize = 100

// Handler exposes the authorization decision endpoints.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	validate *validator.Validate
}

// NewHandler builds a decision handler.
func NewHandler(logger *slog.Logger, engine *Engine) *Handler {
	return &Handler{logger: logger, engine: engine, validate: validator.New()}
}

// MountRoutes registers decision routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Post("/check/batch", h.checkBatch)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	h.enrich(&req, r)

	httpx.JSON(w, http.StatusOK, h.engine.Authorize(r.Context(), req))
}

func (h *Handler) checkBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []Request
	if err := httpx.DecodeJSON(r, &reqs); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if len(reqs) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "batch is empty")
		return
	}
	if len(reqs) > maxBatchSize {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "batch exceeds 100 requests")
		return
	}
	for i := range reqs {
		if err := h.validate.Struct(reqs[i]); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.enrich(&reqs[i], r)
	}

	httpx.JSON(w, http.StatusOK, h.engine.BatchAuthorize(r.Context(), reqs))
}

// enrich fills audit fields the caller left empty from transport metadata.
func (h *Handler) enrich(req *Request, r *http.Request) {
	if req.IPAddress == "" {
		if ip := r.Header.Get("X-User-IP"); ip != "" {
			req.IPAddress = ip
		} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			req.IPAddress = host
		} else {
			req.IPAddress = r.RemoteAddr
		}
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
}
