package handlers

import (
	"context"
	"net/http"
	"time"

	"hookrelay/internal/platform/database"
)

type HealthHandler struct {
	db  *database.DB
	now func() time.Time
}

func NewHealthHandler(db *database.DB) *HealthHandler {
	return &HealthHandler{db: db, now: time.Now}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "healthy"}
	status, code := "healthy", http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status    string            `json:"status"`
		Timestamp int64             `json:"timestamp"`
		Checks    map[string]string `json:"checks"`
	}{
		Status:    status,
		Timestamp: h.now().Unix(),
		Checks:    checks,
	})
}
