// Package httpapi exposes the read-only inspection REST surface: rooms,
// users, counters, and the advisory quality suggestion.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meshvoice/meshvoice/internal/auth"
	"github.com/meshvoice/meshvoice/internal/config"
	"github.com/meshvoice/meshvoice/internal/metrics"
	"github.com/meshvoice/meshvoice/internal/monitor"
	"github.com/meshvoice/meshvoice/internal/registry"
)

type API struct {
	logger   *slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics
	monitor  *monitor.Monitor
}

func New(logger *slog.Logger, reg *registry.Registry, m *metrics.Metrics, mon *monitor.Monitor) *API {
	return &API{
		logger:   logger.With(slog.String("component", "httpapi")),
		registry: reg,
		metrics:  m,
		monitor:  mon,
	}
}

// Handler builds the gin router. The same verifier that guards the signaling
// WebSocket guards the inspection surface, via headers instead of the query
// string.
func (a *API) Handler(mode config.AuthMode, verifier auth.Verifier) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	if mode != config.AuthModeNone {
		api.Use(requireAuth(mode, verifier, a.metrics))
	}

	api.GET("/rooms", a.listRooms)
	api.GET("/rooms/:roomId", a.getRoom)
	api.GET("/rooms/:roomId/users", a.getRoomUsers)
	api.GET("/users/:userId", a.getUser)
	api.GET("/stats", a.getStats)
	api.POST("/stats/reset", a.resetStats)
	api.GET("/quality", a.getQuality)

	return r
}

func (a *API) listRooms(c *gin.Context) {
	rooms := a.registry.Rooms()
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (a *API) getRoom(c *gin.Context) {
	info, ok := a.registry.Room(c.Param("roomId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *API) getRoomUsers(c *gin.Context) {
	roomID := c.Param("roomId")
	users := a.registry.RoomUserIDs(roomID)
	if users == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId": roomID,
		"users":  users,
	})
}

func (a *API) getUser(c *gin.Context) {
	info, ok := a.registry.User(c.Param("userId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *API) getStats(c *gin.Context) {
	rooms, users := a.registry.Counts()
	avg, samples := a.monitor.Average("")
	c.JSON(http.StatusOK, gin.H{
		"activeRooms":      rooms,
		"activeUsers":      users,
		"counters":         a.metrics.Snapshot(),
		"avgLatencyMillis": avg.Milliseconds(),
		"latencySamples":   samples,
	})
}

func (a *API) resetStats(c *gin.Context) {
	a.metrics.Reset()
	a.monitor.Reset()
	a.logger.Info("stats reset")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (a *API) getQuality(c *gin.Context) {
	room := c.Query("roomId")
	suggestion := a.monitor.Suggest(room)
	c.JSON(http.StatusOK, gin.H{
		"roomId":         room,
		"tier":           suggestion.Tier,
		"recommendation": suggestion.Recommendation,
		"avgLatencyMs":   suggestion.AverageLatency.Milliseconds(),
		"sampleCount":    suggestion.SampleCount,
	})
}
