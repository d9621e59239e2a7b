package agent

import (
	"net/http"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/resilience"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type updateSettingsPayload struct {
	UpdateInterval int  `json:"update_interval" binding:"required,gte=1,lte=86400"`
	HighAccuracy   bool `json:"high_accuracy"`
}

type controlHandler struct {
	agent  *Agent
	logger *zap.Logger
}

func newControlHandler(agent *Agent) http.Handler {
	handler := &controlHandler{agent: agent, logger: agent.logger.Named("control")}

	router := gin.New()
	router.Use(gin.Recovery())

	commands := router.Group("/commands")
	commands.POST("/start", handler.command("start", agent.sampler.Start))
	commands.POST("/stop", handler.command("stop", agent.sampler.Stop))
	commands.POST("/pause", handler.command("pause", agent.sampler.Pause))
	commands.POST("/resume", handler.command("resume", agent.sampler.Resume))
	commands.POST("/viewer-visible", handler.command("viewer-visible", agent.sampler.ViewerVisible))
	commands.POST("/viewer-hidden", handler.command("viewer-hidden", agent.sampler.ViewerHidden))
	commands.POST("/update-settings", handler.handleUpdateSettings)

	signals := router.Group("/signals")
	signals.POST("/boot", handler.resume(resilience.TriggerBoot))
	signals.POST("/package-replaced", handler.resume(resilience.TriggerPackageReplaced))
	signals.POST("/quickboot", handler.resume(resilience.TriggerQuickBoot))
	signals.POST("/network-available", handler.handleNetworkAvailable)

	router.GET("/status", handler.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

func (h *controlHandler) command(name string, apply func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !apply() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sampler_busy"})
			return
		}
		h.logger.Debug("command accepted", zap.String("command", name))
		c.JSON(http.StatusAccepted, gin.H{"accepted": name})
	}
}

func (h *controlHandler) handleUpdateSettings(c *gin.Context) {
	var request updateSettingsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.agent.sampler.UpdateSettings(request.UpdateInterval, request.HighAccuracy) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sampler_busy"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": "update-settings"})
}

func (h *controlHandler) resume(trigger resilience.Trigger) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := h.agent.resilience.ResumeIfEligible(c.Request.Context(), trigger)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resume_failed"})
			return
		}
		c.JSON(http.StatusOK, decision)
	}
}

func (h *controlHandler) handleNetworkAvailable(c *gin.Context) {
	h.agent.TriggerUpload()
	c.JSON(http.StatusAccepted, gin.H{"accepted": "network-available"})
}

func (h *controlHandler) handleStatus(c *gin.Context) {
	snapshot, err := h.agent.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("status snapshot failed", zap.String("operation", "agent.status"), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_unavailable"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
