package rest

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportchat/internal/domain"
)

const (
	authorizationHeader = "Authorization"
	requestIDHeader     = "X-Request-ID"

	actorCtx     = "actor"
	requestIDCtx = "request_id"
)

// requestIDMiddleware tags every request with X-Request-ID, reusing the
// caller's value when it sent one.
func (h *Handler) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDCtx, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (h *Handler) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDCtx)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if actor, err := getActor(c); err == nil {
			fields = append(fields, zap.Int64("user_id", actor.UserID), zap.String("role", string(actor.Role)))
		}

		switch {
		case status >= http.StatusInternalServerError:
			h.logger.Error("ошибка сервера", fields...)
		case status >= http.StatusBadRequest:
			h.logger.Warn("ошибка клиента", fields...)
		default:
			h.logger.Debug("запрос обработан", fields...)
		}
	}
}

func (h *Handler) errorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			h.logger.Error("ошибка обработки запроса",
				zap.String("request_id", c.GetString(requestIDCtx)),
				zap.String("path", c.FullPath()),
				zap.Error(err.Err))
		}
	}
}

func (h *Handler) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+requestIDHeader)
		header.Set("Access-Control-Expose-Headers", requestIDHeader)
		header.Set("Access-Control-Max-Age", "600")

		if origin := c.GetHeader("Origin"); origin != "" {
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Vary", "Origin")
		} else {
			header.Set("Access-Control-Allow-Origin", "*")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader(authorizationHeader), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			unauthorizedResponse(c, "требуется заголовок Authorization: Bearer <token>")
			return
		}

		actor, err := h.services.Auth.ParseToken(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			h.logger.Debug("токен отклонен", zap.Error(err))
			unauthorizedResponse(c, "недействительный токен")
			return
		}

		c.Set(actorCtx, actor)

		c.Next()
	}
}

func (h *Handler) specialistMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := getActor(c)
		if err != nil {
			unauthorizedResponse(c, err.Error())
			return
		}

		if actor.Role != domain.UserRoleSpecialist {
			forbiddenResponse(c, "доступ запрещен, требуется роль специалиста")
			return
		}

		c.Next()
	}
}

func getActor(c *gin.Context) (domain.Actor, error) {
	value, exists := c.Get(actorCtx)
	if !exists {
		return domain.Actor{}, errors.New("пользователь не авторизован")
	}

	actor, ok := value.(domain.Actor)
	if !ok {
		return domain.Actor{}, errors.New("некорректные данные пользователя")
	}

	return actor, nil
}
