package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hitoshi/taskdeck/internal/model"
)

// ActivityServiceInterface はアクティビティハンドラーが必要とする操作。
type ActivityServiceInterface interface {
	RecentActivity(ctx context.Context, limit int) ([]*model.ActivityRecord, error)
}

// ActivityHandler はアクティビティログのHTTPハンドラー。
type ActivityHandler struct {
	service ActivityServiceInterface
}

// NewActivityHandler はActivityHandlerを生成する。
func NewActivityHandler(service ActivityServiceInterface) *ActivityHandler {
	return &ActivityHandler{service: service}
}

// RecentActivity は新しい順のアクティビティレコードを返す。
// GET /api/activity?limit=50
func (h *ActivityHandler) RecentActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			handleError(w, model.NewValidationError("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	records, err := h.service.RecentActivity(r.Context(), limit)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
