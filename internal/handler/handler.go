package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"session_service/internal/auth"
	"session_service/internal/models"
	"session_service/internal/service"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	userIDKey = "UserID"

	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
	refreshPath   = "/auth"
)

type TokenVerifier interface {
	VerifyAccess(token string) (*auth.Claims, error)
	VerifyRefresh(token string) (*auth.Claims, error)
}

// CookieConfig sets cookie lifetimes; they match the token lifetimes.
type CookieConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Secure     bool
}

func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c)
		if tokenStr == "" {
			newErrorResponse(c, http.StatusUnauthorized, "empty authorization header")

			return
		}

		claims, err := verifier.VerifyAccess(tokenStr)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "token expired"
			}
			newErrorResponse(c, http.StatusUnauthorized, msg)

			return
		}

		userID, err := claims.UserID()
		if err != nil {
			newErrorResponse(c, http.StatusUnauthorized, "invalid token claims")

			return
		}

		c.Set(userIDKey, userID)

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return ""
		}
		return parts[1]
	}

	cookie, err := c.Cookie(accessCookie)
	if err != nil {
		return ""
	}
	return cookie
}

type Handler struct {
	serviceLayer service.Service
	verifier     TokenVerifier
	cookies      CookieConfig
	log          *slog.Logger
}

type errorResponse struct {
	Message string `json:"message"`
}

type credentialsRequest struct {
	Email    string  `json:"email" binding:"required"`
	Password string  `json:"password" binding:"required"`
	Name     *string `json:"name"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func newErrorResponse(c *gin.Context, statusCode int, errMessage string) {
	c.AbortWithStatusJSON(statusCode, errorResponse{Message: errMessage})
}

func NewHandler(srvc service.Service, verifier TokenVerifier, cookies CookieConfig, lgr *slog.Logger) *Handler {
	return &Handler{
		serviceLayer: srvc,
		verifier:     verifier,
		cookies:      cookies,
		log:          lgr,
	}
}

func (h *Handler) InitRoutes(gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	auth := router.Group("/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/login", h.Login)
		auth.POST("/refresh", h.RefreshTokens)

		auth.Use(AuthMiddleware(h.verifier))
		auth.POST("/logout", h.Logout)
		auth.GET("/profile", h.GetProfile)
	}

	return router
}

// POST /auth/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op))

	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("failed to read request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "email and password are required")

		return
	}

	user, err := h.serviceLayer.Register(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		h.serviceError(c, log, err)

		return
	}

	c.JSON(http.StatusCreated, user)
}

// POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))

	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("failed to unmarshal credentials", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "email and password are required")

		return
	}

	user, err := h.serviceLayer.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.serviceError(c, log, err)

		return
	}

	tokens, err := h.serviceLayer.Login(c.Request.Context(), user)
	if err != nil {
		h.serviceError(c, log, err)

		return
	}

	h.setTokenCookies(c, tokens)

	c.JSON(http.StatusOK, tokens)
}

// POST /auth/refresh
//
// The user id is taken from the verified subject of the presented token,
// never from the request.
func (h *Handler) RefreshTokens(c *gin.Context) {
	const op = "handler.RefreshTokens"

	log := h.log.With(slog.String("op", op))

	var req refreshRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			log.Debug("failed to unmarshal refresh request", slog.Any("error", err))

			newErrorResponse(c, http.StatusBadRequest, "wrong request format")

			return
		}
	}

	token := req.RefreshToken
	if token == "" {
		token, _ = c.Cookie(refreshCookie)
	}
	if token == "" {
		newErrorResponse(c, http.StatusBadRequest, "refresh token is required")

		return
	}

	claims, err := h.verifier.VerifyRefresh(token)
	if err != nil {
		log.Debug("refresh token failed verification", slog.Any("error", err))

		h.serviceError(c, log, service.ErrRefreshRejected)

		return
	}

	userID, err := claims.UserID()
	if err != nil {
		h.serviceError(c, log, service.ErrRefreshRejected)

		return
	}

	tokens, err := h.serviceLayer.Refresh(c.Request.Context(), userID, token)
	if err != nil {
		h.serviceError(c, log, err)

		return
	}

	h.setTokenCookies(c, tokens)

	c.JSON(http.StatusOK, tokens)
}

// POST /auth/logout
func (h *Handler) Logout(c *gin.Context) {
	const op = "handler.Logout"

	log := h.log.With(slog.String("op", op))

	id, ok := userIDFromContext(c)
	if !ok {
		log.Error("failed to get user id from context")

		newErrorResponse(c, http.StatusUnauthorized, "invalid token")

		return
	}

	if err := h.serviceLayer.Logout(c.Request.Context(), id); err != nil {
		h.serviceError(c, log, err)

		return
	}

	h.clearTokenCookies(c)

	c.JSON(http.StatusOK, gin.H{"message": "Logout"})
}

// GET /auth/profile
func (h *Handler) GetProfile(c *gin.Context) {
	const op = "handler.GetProfile"

	log := h.log.With(slog.String("op", op))

	id, ok := userIDFromContext(c)
	if !ok {
		log.Error("failed to get user id from context")

		newErrorResponse(c, http.StatusUnauthorized, "invalid token")

		return
	}

	user, err := h.serviceLayer.Profile(c.Request.Context(), id)
	if err != nil {
		h.serviceError(c, log, err)

		return
	}

	c.JSON(http.StatusOK, user)
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func (h *Handler) setTokenCookies(c *gin.Context, tokens models.TokenPair) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(accessCookie, tokens.AccessToken, int(h.cookies.AccessTTL.Seconds()), "/", "", h.cookies.Secure, true)
	c.SetCookie(refreshCookie, tokens.RefreshToken, int(h.cookies.RefreshTTL.Seconds()), refreshPath, "", h.cookies.Secure, true)
}

func (h *Handler) clearTokenCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(accessCookie, "", -1, "/", "", h.cookies.Secure, true)
	c.SetCookie(refreshCookie, "", -1, refreshPath, "", h.cookies.Secure, true)
}

func (h *Handler) serviceError(c *gin.Context, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		newErrorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		newErrorResponse(c, http.StatusUnauthorized, service.ErrInvalidCredentials.Error())
	case errors.Is(err, service.ErrRefreshRejected):
		newErrorResponse(c, http.StatusUnauthorized, service.ErrRefreshRejected.Error())
	case errors.Is(err, service.ErrConflict):
		newErrorResponse(c, http.StatusConflict, service.ErrConflict.Error())
	case errors.Is(err, service.ErrUserNotFound):
		newErrorResponse(c, http.StatusNotFound, service.ErrUserNotFound.Error())
	case errors.Is(err, service.ErrStoreUnavailable), errors.Is(err, service.ErrDirectoryUnavailable):
		log.Error("dependency unavailable", slog.Any("error", err))

		newErrorResponse(c, http.StatusServiceUnavailable, "service unavailable")
	default:
		log.Error("request failed", slog.Any("error", err))

		newErrorResponse(c, http.StatusInternalServerError, "internal error")
	}
}
