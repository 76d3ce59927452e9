// Package http is the control panel of the voice client: a small REST
// surface over the session lifecycle controller.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/VoiceClient/internal/app/orch"
	"github.com/dkeye/VoiceClient/internal/config"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	tokenCookie  = "ct"
	tokenKey     = "client_token"
	lastRoomKey  = "last_room"
	sessionStore = "VoiceSessions"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(tokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(tokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(tokenKey, token)
		c.Next()
	}
}

type joinRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type sessionResponse struct {
	orch.View
	LastRoom string `json:"lastRoom,omitempty"`
}

// SetupRouter wires the control panel routes. Joins run under ctx so a
// disconnecting HTTP client does not cancel a negotiation in progress.
func SetupRouter(ctx context.Context, cfg *config.Config, session *orch.Session) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(sessionStore, store))
	r.Use(ClientTokenMiddleware())

	limiter := NewJoinRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval)
	h := &handlers{ctx: ctx, session: session, limiter: limiter}

	api := r.Group("/api/session")
	api.GET("", h.view)
	api.POST("/join", h.join)
	api.POST("/leave", h.leave)
	api.POST("/mute", h.mute)

	log.Info().Str("module", "adapters.http").Int("join_rate_limit", cfg.JoinRateLimit).Msg("router setup")
	return r
}

type handlers struct {
	ctx     context.Context
	session *orch.Session
	limiter *JoinRateLimiter
}

func (h *handlers) respond(c *gin.Context, status int) {
	resp := sessionResponse{View: h.session.Snapshot()}
	if msg := h.session.TakeMessage(); msg != "" {
		resp.Message = msg
	}
	if last, ok := sessions.Default(c).Get(lastRoomKey).(string); ok {
		resp.LastRoom = last
	}
	c.JSON(status, resp)
}

func (h *handlers) view(c *gin.Context) {
	h.respond(c, http.StatusOK)
}

// POST /api/session/join
func (h *handlers) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	token := c.GetString(tokenKey)
	if req.UserID == "" {
		req.UserID = token
	}
	logger := log.With().Str("module", "adapters.http").Str("sid", token).Str("room", req.RoomID).Logger()

	if !h.limiter.Allow(token) {
		logger.Warn().Msg("join rate limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many join attempts"})
		return
	}

	err := h.session.Start(h.ctx, req.RoomID, req.UserID)
	if err != nil {
		logger.Warn().Err(err).Msg("join failed")
		c.JSON(joinStatus(err), gin.H{"error": err.Error(), "message": h.session.TakeMessage()})
		return
	}

	s := sessions.Default(c)
	s.Set(lastRoomKey, req.RoomID)
	if err := s.Save(); err != nil {
		logger.Error().Err(err).Msg("save session cookie")
	}
	h.respond(c, http.StatusOK)
}

func joinStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrEmptyRoom),
		errors.Is(err, domain.ErrRoomTooLong),
		errors.Is(err, domain.ErrEmptyUser),
		errors.Is(err, domain.ErrUserTooLong):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEntryDenied), errors.Is(err, domain.ErrEntryRejected):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrSessionEnded), errors.Is(err, context.Canceled):
		return http.StatusGone
	default:
		return http.StatusBadGateway
	}
}

// POST /api/session/leave
func (h *handlers) leave(c *gin.Context) {
	h.session.End()
	h.respond(c, http.StatusOK)
}

// POST /api/session/mute
func (h *handlers) mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Muted == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing muted flag"})
		return
	}
	h.session.SetMuted(*req.Muted)
	h.respond(c, http.StatusOK)
}
