package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"supportchat/config"
	"supportchat/internal/service"
)

// RealtimeEndpoint serves the websocket side of the API.
type RealtimeEndpoint interface {
	HandleWebSocket(c *gin.Context)
}

type Handler struct {
	services *service.Services
	logger   *zap.Logger
	config   *config.Config
	realtime RealtimeEndpoint
}

func NewHandler(services *service.Services, logger *zap.Logger, config *config.Config, realtime RealtimeEndpoint) *Handler {
	return &Handler{
		services: services,
		logger:   logger,
		config:   config,
		realtime: realtime,
	}
}

func (h *Handler) InitRoutes(router *gin.Engine) {
	router.Use(h.requestIDMiddleware())
	router.Use(h.loggerMiddleware())

	router.Use(h.errorMiddleware())

	router.Use(h.corsMiddleware())

	router.GET("/healthz", h.healthz)

	api := router.Group("/api/v1")
	h.initChatRoutes(api)

	// the websocket route authenticates from the query string
	if h.realtime != nil {
		router.GET("/ws/chat", h.realtime.HandleWebSocket)
	}
}

func (h *Handler) initChatRoutes(api *gin.RouterGroup) {
	chatHandler := NewChatHandler(h.services.Chat, h.config.Chat, h.logger)

	chat := api.Group("/chat")
	chat.Use(h.authMiddleware())
	{
		sessions := chat.Group("/sessions")
		{
			sessions.POST("", chatHandler.StartSession)
			sessions.GET("/open", chatHandler.ListOpenSessions)
			sessions.GET("/waiting", h.specialistMiddleware(), chatHandler.ListWaitingSessions)
			sessions.GET("/:id", chatHandler.GetSession)
			sessions.POST("/:id/claim", h.specialistMiddleware(), chatHandler.ClaimSession)
			sessions.POST("/:id/end", chatHandler.EndSession)

			sessions.GET("/:id/messages", chatHandler.ListMessages)
			sessions.POST("/:id/messages", chatHandler.SendMessage)
			sessions.POST("/:id/read", chatHandler.MarkMessagesAsRead)
			sessions.GET("/:id/unread", chatHandler.GetUnreadMessageCount)
			sessions.POST("/:id/attachments", chatHandler.UploadAttachment)
			sessions.GET("/:id/attachments/:attachment_id", chatHandler.GetAttachmentLink)
			sessions.GET("/:id/attachments/:attachment_id/content", chatHandler.GetAttachmentContent)
		}
	}
}

// @Summary Liveness check
// @Tags System
// @Produce json
// @Success 200 {object} messageResponseType
// @Router /healthz [get]
func (h *Handler) healthz(c *gin.Context) {
	messageResponse(c, http.StatusOK, "ok")
}
