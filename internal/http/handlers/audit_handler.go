// Audit HTTP handlers.
//
// This file exposes the read-only endpoints operators use to inspect the
// delivery trail:
//   - GET /audit        (paginated audit entries, newest first)
//   - GET /audit/stats  (totals grouped by outcome)
//
// Handlers are transport-thin: they validate pagination input, delegate to
// the repo layer, and shape the JSON envelope. The audit trail is append-only
// from this API's point of view; there are no write endpoints.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lsr-sec/totp-bot/internal/domain"
	"github.com/lsr-sec/totp-bot/internal/repo"
	"github.com/lsr-sec/totp-bot/internal/utils"
)

// Handlers bundles the dependencies of the admin API endpoints.
type Handlers struct {
	db *gorm.DB
}

// New constructs the admin API handler set.
func New(db *gorm.DB) *Handlers {
	return &Handlers{db: db}
}

// Pagination describes the page window of a list response.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListAuditResponse contains a page of audit entries and pagination metadata.
type ListAuditResponse struct {
	Entries    []domain.AuditEntry `json:"entries"`
	Pagination Pagination          `json:"pagination"`
}

// AuditStatsResponse reports per-outcome totals for the whole trail.
type AuditStatsResponse struct {
	Total     int64            `json:"total"`
	ByOutcome map[string]int64 `json:"by_outcome"`
}

// clampPagination parses page/page_size from query parameters, applying sane
// defaults and caps.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

// ListAudit returns a page of audit entries, newest first.
func (h *Handlers) ListAudit(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	total, err := repo.CountAuditEntries(ctx, h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	entries, err := repo.ListAuditEntriesPage(ctx, h.db, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListAuditResponse{
		Entries: entries,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// AuditStats returns the total number of audit entries plus a per-outcome
// breakdown (delivered / denied / failed).
func (h *Handlers) AuditStats(c *gin.Context) {
	ctx := c.Request.Context()

	byOutcome, err := repo.CountAuditByOutcome(ctx, h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	var total int64
	for _, n := range byOutcome {
		total += n
	}
	ok(c, http.StatusOK, AuditStatsResponse{Total: total, ByOutcome: byOutcome})
}
