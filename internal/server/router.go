package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/auth"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/geofence"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/metrics"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/retention"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/tracking"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	claimsContextKey   = "relatives_claims"
	memberContextKey   = "relatives_member"
	accessTokenQuery   = "access_token"
	roleAdmin          = "admin"
	roleParent         = "parent"
	errorUnauthorized  = "unauthorized"
	errorForbidden     = "forbidden"
	errorInvalidInput  = "invalid_request"
	errorInternalIssue = "internal_error"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingMembers          = errors.New("member resolver dependency required")
	errMissingTrackingService  = errors.New("tracking service dependency required")
	errMissingGeofenceService  = errors.New("geofence service dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// MemberResolver maps claims onto family members and checks issued sessions.
type MemberResolver interface {
	ResolveMember(claims auth.SessionClaims) (users.Member, error)
	SessionActive(ctx context.Context, sessionID string) (bool, error)
}

// Dependencies describes everything the HTTP handler serves.
type Dependencies struct {
	SessionValidator        SessionValidator
	Members                 MemberResolver
	TrackingService         *tracking.Service
	GeofenceService         *geofence.Service
	RetentionPruner         *retention.Pruner
	Realtime                *RealtimeDispatcher
	IngestRequestsPerMinute int
	// AllowedOrigins lists browser origins that may send credentialed requests.
	// Empty allows any origin without credentials.
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the tracking API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Members == nil {
		return nil, errMissingMembers
	}
	if deps.TrackingService == nil {
		return nil, errMissingTrackingService
	}
	if deps.GeofenceService == nil {
		return nil, errMissingGeofenceService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		members:   deps.Members,
		tracking:  deps.TrackingService,
		geofences: deps.GeofenceService,
		retention: deps.RetentionPruner,
		realtime:  realtime,
		limiter:   newIngestLimiter(deps.IngestRequestsPerMinute),
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/tracking")
	api.Use(handler.authorizeRequest)
	api.POST("/locations", handler.handleIngest)
	api.GET("/settings", handler.handleGetSettings)
	api.PUT("/settings", handler.requireRole(roleAdmin, roleParent), handler.handleUpdateSettings)
	api.GET("/family", handler.handleFamily)
	api.GET("/geofences", handler.handleListGeofences)
	api.POST("/geofences", handler.requireRole(roleAdmin, roleParent), handler.handleCreateGeofence)
	if handler.retention != nil {
		api.GET("/retention", handler.handleGetRetention)
		api.PUT("/retention", handler.requireRole(roleAdmin, roleParent), handler.handleUpdateRetention)
	}
	api.GET("/live", handler.handleLive)

	return router, nil
}

// corsMiddleware only enables credentials, and with them the session cookie,
// for explicitly listed origins.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed == "*" {
			origins = nil
			break
		}
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	return cors.New(corsConfig)
}

type httpHandler struct {
	sessions  SessionValidator
	members   MemberResolver
	tracking  *tracking.Service
	geofences *geofence.Service
	retention *retention.Pruner
	realtime  *RealtimeDispatcher
	limiter   *ingestLimiter
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	request := c.Request
	if request.Header.Get("Authorization") == "" {
		if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" {
			request = request.Clone(request.Context())
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	claims, err := h.sessions.ValidateRequest(request)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}

	if sessionID := strings.TrimSpace(claims.ID); sessionID != "" {
		active, err := h.members.SessionActive(c.Request.Context(), sessionID)
		if err != nil {
			h.logger.Error("session lookup failed", zap.String("operation", "server.authorize"), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorInternalIssue})
			return
		}
		if !active {
			h.logger.Info("session revoked or expired", zap.String("session_id", sessionID))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
			return
		}
	}

	member, err := h.members.ResolveMember(claims)
	if err != nil {
		status := http.StatusUnauthorized
		code := errorUnauthorized
		if errors.Is(err, users.ErrFamilyMismatch) {
			status = http.StatusForbidden
			code = errorForbidden
		}
		h.logger.Warn("member resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"error": code})
		return
	}

	c.Set(claimsContextKey, claims)
	c.Set(memberContextKey, member)
	c.Next()
}

func (h *httpHandler) requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Get(claimsContextKey)
		if sessionClaims, valid := claims.(auth.SessionClaims); ok && valid {
			for _, role := range roles {
				if sessionClaims.HasRole(role) {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errorForbidden})
	}
}

func memberFromContext(c *gin.Context) (tracking.FamilyID, tracking.UserID, bool) {
	value, ok := c.Get(memberContextKey)
	if !ok {
		return "", "", false
	}
	member, ok := value.(users.Member)
	if !ok {
		return "", "", false
	}
	familyID, err := tracking.NewFamilyID(member.FamilyID)
	if err != nil {
		return "", "", false
	}
	userID, err := tracking.NewUserID(member.UserID)
	if err != nil {
		return "", "", false
	}
	return familyID, userID, true
}

type ingestResponsePayload struct {
	OK         bool              `json:"ok"`
	Accepted   int               `json:"accepted"`
	Duplicates int               `json:"duplicates"`
	Settings   tracking.Settings `json:"settings"`
}

func (h *httpHandler) handleIngest(c *gin.Context) {
	started := time.Now()
	familyID, userID, ok := memberFromContext(c)
	if !ok {
		h.respondIngest(c, started, http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	if !h.limiter.allow(userID.String()) {
		h.respondIngest(c, started, http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	var batch tracking.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		h.respondIngest(c, started, http.StatusBadRequest, gin.H{"error": errorInvalidInput})
		return
	}

	result, err := h.tracking.Ingest(c.Request.Context(), familyID, userID, batch)
	if err != nil {
		if errors.Is(err, tracking.ErrInvalidBatch) {
			h.respondIngest(c, started, http.StatusBadRequest, errorPayload("invalid_batch", err))
			return
		}
		h.logger.Error("ingest failed", zap.String("operation", "server.ingest"), zap.Error(err))
		h.respondIngest(c, started, http.StatusInternalServerError, errorPayload(errorInternalIssue, err))
		return
	}

	if result.CurrentUpdated {
		h.publishLocation(familyID, userID, result.Accepted)
	}
	metrics.RecordIngest(http.StatusOK, len(result.Accepted), result.Duplicates, time.Since(started))
	c.JSON(http.StatusOK, ingestResponsePayload{
		OK:         true,
		Accepted:   len(result.Accepted),
		Duplicates: result.Duplicates,
		Settings:   result.Settings,
	})
}

func (h *httpHandler) respondIngest(c *gin.Context, started time.Time, status int, body gin.H) {
	metrics.RecordIngest(status, 0, 0, time.Since(started))
	c.JSON(status, body)
}

type codedError interface {
	Code() string
}

func errorPayload(fallback string, err error) gin.H {
	payload := gin.H{"error": fallback}
	var coded codedError
	if errors.As(err, &coded) {
		payload["code"] = coded.Code()
	}
	return payload
}

func (h *httpHandler) publishLocation(familyID tracking.FamilyID, userID tracking.UserID, accepted []tracking.LocationHistory) {
	var latest *tracking.LocationHistory
	for index := range accepted {
		if latest == nil || accepted[index].RecordedAtMs > latest.RecordedAtMs {
			latest = &accepted[index]
		}
	}
	if latest == nil {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		FamilyID:  familyID.String(),
		EventType: RealtimeEventLocation,
		Payload: locationPayload{
			UserID:       userID.String(),
			Lat:          latest.Lat,
			Lng:          latest.Lng,
			Accuracy:     latest.Accuracy,
			Speed:        latest.Speed,
			Bearing:      latest.Bearing,
			IsMoving:     latest.IsMoving,
			BatteryLevel: latest.BatteryLevel,
			RecordedAt:   time.UnixMilli(latest.RecordedAtMs).UTC(),
		},
		Timestamp: time.Now().UTC(),
	})
}

func (h *httpHandler) handleGetSettings(c *gin.Context) {
	familyID, _, ok := memberFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	settings, err := h.tracking.Settings(c.Request.Context(), familyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorPayload(errorInternalIssue, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

func (h *httpHandler) handleUpdateSettings(c *gin.Context) {
	familyID, _, ok := memberFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	var update tracking.SettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidInput})
		return
	}
	settings, err := h.tracking.UpdateSettings(c.Request.Context(), familyID, update)
	if err != nil {
		if errors.Is(err, tracking.ErrInvalidSettings) {
			c.JSON(http.StatusBadRequest, errorPayload("invalid_settings", err))
			return
		}
		c.JSON(http.StatusInternalServerError, errorPayload(errorInternalIssue, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

type locationPayload struct {
	UserID       string    `json:"user_id"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
	Speed        *float64  `json:"speed,omitempty"`
	Bearing      *float64  `json:"bearing,omitempty"`
	IsMoving     bool      `json:"is_moving"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

func (h *httpHandler) handleFamily(c *gin.Context) {
	familyID, _, ok := memberFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	locations, err := h.tracking.ListCurrentLocations(c.Request.Context(), familyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorPayload(errorInternalIssue, err))
		return
	}
	members := make([]locationPayload, 0, len(locations))
	for _, location := range locations {
		members = append(members, locationPayload{
			UserID:       location.UserID,
			Lat:          location.Lat,
			Lng:          location.Lng,
			Accuracy:     location.Accuracy,
			Speed:        location.Speed,
			Bearing:      location.Bearing,
			IsMoving:     location.IsMoving,
			BatteryLevel: location.BatteryLevel,
			RecordedAt:   time.UnixMilli(location.RecordedAtMs).UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (h *httpHandler) handleListGeofences(c *gin.Context) {
	familyID, _, ok := memberFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	fences, err := h.geofences.List(c.Request.Context(), familyID.String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorPayload(errorInternalIssue, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"geofences": fences})
}

func (h *httpHandler) handleCreateGeofence(c *gin.Context) {
	familyID, _, ok := memberFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	var definition geofence.Definition
	if err := c.ShouldBindJSON(&definition); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidInput})
		return
	}
	fence, err := h.geofences.Create(c.Request.Context(), familyID.String(), definition)
	if err != nil {
		if errors.Is(err, geofence.ErrInvalidGeofence) {
			c.JSON(http.StatusBadRequest, errorPayload("invalid_geofence", err))
			return
		}
		c.JSON(http.StatusInternalServerError, errorPayload(errorInternalIssue, err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"geofence": fence})
}

func (h *httpHandler) handleGetRetention(c *gin.Context) {
	familyID, _, ok := memberFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	policy, err := h.retention.Policy(c.Request.Context(), familyID.String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternalIssue})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": policy})
}

func (h *httpHandler) handleUpdateRetention(c *gin.Context) {
	familyID, _, ok := memberFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	var policy retention.Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidInput})
		return
	}
	if err := h.retention.SetPolicy(c.Request.Context(), familyID.String(), policy); err != nil {
		if errors.Is(err, retention.ErrInvalidPolicy) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternalIssue})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": policy})
}

// ingestLimiter keeps one token bucket per user.
type ingestLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newIngestLimiter(requestsPerMinute int) *ingestLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return &ingestLimiter{
		limit:    rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:    requestsPerMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *ingestLimiter) allow(userID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
