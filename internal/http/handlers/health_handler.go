package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger проверяет доступность базы данных.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// OnlineCounter сообщает количество пользователей на связи.
type OnlineCounter interface {
	OnlineCount() int
}

// HealthHandler предоставляет endpoint для проверки здоровья сервиса.
type HealthHandler struct {
	db       Pinger
	realtime OnlineCounter
}

// NewHealthHandler создаёт новый health handler.
func NewHealthHandler(db Pinger, realtime OnlineCounter) *HealthHandler {
	return &HealthHandler{db: db, realtime: realtime}
}

// HealthResponse представляет ответ health check.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Checks      map[string]string `json:"checks"`
	OnlineUsers int               `json:"online_users"`
}

// Health обрабатывает GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	checks := make(map[string]string)
	status := "healthy"

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		checks["database"] = "healthy"
	}

	online := 0
	if h.realtime != nil {
		online = h.realtime.OnlineCount()
		checks["realtime"] = "healthy"
	}

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Checks:      checks,
		OnlineUsers: online,
	})
}
