package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lsr-sec/totp-bot/internal/http/handlers"
	"github.com/lsr-sec/totp-bot/internal/http/middleware"
)

// CodeResponse is the success payload of both code endpoints.
type CodeResponse struct {
	Label     string `json:"label"`
	Code      string `json:"code"`
	ValidFor  int    `json:"valid_for"`
	Timestamp string `json:"timestamp"` // RFC 3339, UTC
}

// LabelsResponse lists the enrolled label names. Seeds are never included.
type LabelsResponse struct {
	Labels []string `json:"labels"`
}

// Handlers bundles the gateway's endpoint implementations around one
// Generator.
type Handlers struct {
	gen *Generator
}

// NewHandlers constructs the gateway handler set.
func NewHandlers(gen *Generator) *Handlers {
	return &Handlers{gen: gen}
}

// GetCode serves GET /code?label=<label>: the current code for a verbatim
// label.
func (h *Handlers) GetCode(c *gin.Context) {
	label := strings.TrimSpace(c.Query("label"))
	if label == "" {
		handlers.Fail(c, http.StatusBadRequest, handlers.ErrCodeBadRequest, "label query parameter required")
		return
	}
	h.serveCode(c, label)
}

// GetTOTP serves GET /totp/:client/:service, the two-segment form the bot
// uses. The label is the two segments joined with a dash.
func (h *Handlers) GetTOTP(c *gin.Context) {
	client := c.Param("client")
	service := c.Param("service")
	h.serveCode(c, client+"-"+service)
}

// ListLabels serves GET /labels: enrolled label names for diagnostics.
func (h *Handlers) ListLabels(c *gin.Context) {
	c.JSON(http.StatusOK, LabelsResponse{Labels: h.gen.store.Labels()})
}

func (h *Handlers) serveCode(c *gin.Context, label string) {
	code, err := h.gen.Current(label)
	if err != nil {
		if errors.Is(err, ErrUnknownLabel) {
			handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "unknown label")
			return
		}
		handlers.Fail(c, http.StatusInternalServerError, handlers.ErrCodeInternal, "code generation failed")
		return
	}

	// The code itself never goes to the access log; note who asked for what.
	middleware.LoggerFrom(c).Info().
		Str("label", label).
		Int("valid_for", code.ValidFor).
		Msg("code issued")

	c.JSON(http.StatusOK, CodeResponse{
		Label:     code.Label,
		Code:      code.Value,
		ValidFor:  code.ValidFor,
		Timestamp: code.GeneratedAt.Format(time.RFC3339),
	})
}
