package rest

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportchat/config"
	"supportchat/internal/domain"
	"supportchat/internal/service"
)

const defaultPageSize = 50

type ChatHandler struct {
	chatService service.ChatService
	cfg         config.ChatConfig
	logger      *zap.Logger
}

func NewChatHandler(chatService service.ChatService, cfg config.ChatConfig, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		cfg:         cfg,
		logger:      logger,
	}
}

func parseSessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequestResponse(c, "некорректный ID сессии")
		return uuid.Nil, false
	}
	return id, true
}

func parsePagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// requestActor reads the caller and writes a 401 when it is missing.
func requestActor(c *gin.Context) (domain.Actor, bool) {
	actor, err := getActor(c)
	if err != nil {
		unauthorizedResponse(c, err.Error())
		return domain.Actor{}, false
	}
	return actor, true
}

// @Summary Start chat session
// @Description Open a waiting session for the caller. When the caller already has an open session the response is 409 SESSION_EXISTS with that session in data.
// @Tags Chat
// @Produce json
// @Security ApiKeyAuth
// @Success 201 {object} successResponseBody{data=domain.ChatSession}
// @Failure 401 {object} errorResponseBody
// @Failure 403 {object} errorResponseBody
// @Failure 409 {object} errorResponseBody{data=domain.ChatSession}
// @Router /chat/sessions [post]
func (h *ChatHandler) StartSession(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	session, err := h.chatService.StartSession(c.Request.Context(), actor)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	createdResponse(c, session)
}

// @Summary List open sessions
// @Description Waiting and active sessions of the caller: own sessions for a user, claimed sessions for a specialist
// @Tags Chat
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} successResponseBody{data=[]domain.ChatSession}
// @Failure 401 {object} errorResponseBody
// @Router /chat/sessions/open [get]
func (h *ChatHandler) ListOpenSessions(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	sessions, err := h.chatService.ListOpenSessions(c.Request.Context(), actor)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, sessions)
}

// @Summary List waiting sessions
// @Description Queue of unclaimed sessions, oldest first
// @Tags Chat
// @Produce json
// @Security ApiKeyAuth
// @Param limit query int false "Page size" default(50)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} paginatedResponse{data=[]domain.ChatSession}
// @Failure 401 {object} errorResponseBody
// @Failure 403 {object} errorResponseBody
// @Router /chat/sessions/waiting [get]
func (h *ChatHandler) ListWaitingSessions(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	limit, offset := parsePagination(c)

	sessions, total, err := h.chatService.ListWaitingSessions(c.Request.Context(), actor, limit, offset)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	paginatedSuccessResponse(c, sessions, total, limit, offset)
}

// @Summary Get chat session
// @Tags Chat
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Session ID"
// @Success 200 {object} successResponseBody{data=domain.ChatSession}
// @Failure 400 {object} errorResponseBody
// @Failure 403 {object} errorResponseBody
// @Failure 404 {object} errorResponseBody
// @Router /chat/sessions/{id} [get]
func (h *ChatHandler) GetSession(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	session, err := h.chatService.GetSession(c.Request.Context(), actor, id)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, session)
}

// @Summary Claim chat session
// @Description Take a waiting session. Exactly one specialist wins; the others get 409 ALREADY_CLAIMED.
// @Tags Chat
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Session ID"
// @Success 200 {object} successResponseBody{data=domain.ChatSession}
// @Failure 403 {object} errorResponseBody
// @Failure 404 {object} errorResponseBody
// @Failure 409 {object} errorResponseBody{data=domain.ChatSession}
// @Router /chat/sessions/{id}/claim [post]
func (h *ChatHandler) ClaimSession(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	session, err := h.chatService.ClaimSession(c.Request.Context(), actor, id)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, session)
}

// @Summary End chat session
// @Tags Chat
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Session ID"
// @Param request body domain.EndSessionDTO false "End reason, manual by default"
// @Success 200 {object} successResponseBody{data=domain.ChatSession}
// @Failure 400 {object} errorResponseBody
// @Failure 403 {object} errorResponseBody
// @Failure 404 {object} errorResponseBody
// @Failure 409 {object} errorResponseBody{data=domain.ChatSession}
// @Router /chat/sessions/{id}/end [post]
func (h *ChatHandler) EndSession(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	var dto domain.EndSessionDTO
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&dto); err != nil && err != io.EOF {
			badRequestResponse(c, "некорректное тело запроса: "+err.Error())
			return
		}
	}

	session, err := h.chatService.EndSession(c.Request.Context(), actor, id, dto.Reason)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, session)
}

// @Summary List messages
// @Description Messages of a session ordered by creation time
// @Tags Chat
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Session ID"
// @Param type query string false "Message type filter"
// @Param limit query int false "Page size" default(50)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} paginatedResponse{data=[]domain.ChatMessage}
// @Failure 400 {object} errorResponseBody
// @Failure 403 {object} errorResponseBody
// @Failure 404 {object} errorResponseBody
// @Router /chat/sessions/{id}/messages [get]
func (h *ChatHandler) ListMessages(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	limit, offset := parsePagination(c)
	if c.Query("limit") == "" {
		// the whole log unless the caller pages explicitly
		limit = 0
	}

	filter := domain.ChatMessageFilter{
		SessionID: id,
		Limit:     limit,
		Offset:    offset,
	}
	if typeStr := c.Query("type"); typeStr != "" {
		messageType := domain.MessageType(typeStr)
		filter.Type = &messageType
	}

	messages, total, err := h.chatService.ListMessages(c.Request.Context(), actor, filter)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	paginatedSuccessResponse(c, messages, total, limit, offset)
}

// @Summary Send message
// @Description Append a message to an open session the caller takes part in
// @Tags Chat
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Session ID"
// @Param request body domain.SendMessageDTO true "Message"
// @Success 201 {object} successResponseBody{data=domain.ChatMessage}
// @Failure 400 {object} errorResponseBody
// @Failure 403 {object} errorResponseBody
// @Failure 404 {object} errorResponseBody
// @Failure 409 {object} errorResponseBody
// @Failure 429 {object} errorResponseBody
// @Router /chat/sessions/{id}/messages [post]
func (h *ChatHandler) SendMessage(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	var dto domain.SendMessageDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		badRequestResponse(c, "некорректное тело запроса: "+err.Error())
		return
	}
	dto.SessionID = id

	message, err := h.chatService.SendMessage(c.Request.Context(), actor, dto)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	createdResponse(c, message)
}

// @Summary Mark messages as read
// @Description Mark every message from the other side as read
// @Tags Chat
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Session ID"
// @Success 200 {object} successResponseBody{data=countResponse}
// @Failure 403 {object} errorResponseBody
// @Failure 404 {object} errorResponseBody
// @Router /chat/sessions/{id}/read [post]
func (h *ChatHandler) MarkMessagesAsRead(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	marked, err := h.chatService.MarkMessagesAsRead(c.Request.Context(), actor, id)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, countResponse{Count: marked})
}

// @Summary Unread message count
// @Tags Chat
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Session ID"
// @Success 200 {object} successResponseBody{data=countResponse}
// @Failure 403 {object} errorResponseBody
// @Failure 404 {object} errorResponseBody
// @Router /chat/sessions/{id}/unread [get]
func (h *ChatHandler) GetUnreadMessageCount(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	count, err := h.chatService.GetUnreadMessageCount(c.Request.Context(), actor, id)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, countResponse{Count: count})
}

// @Summary Upload attachment
// @Description Store a file for a later image or file message. Send the returned attachment as message metadata.
// @Tags Chat
// @Accept multipart/form-data
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Session ID"
// @Param file formData file true "Attachment"
// @Success 201 {object} successResponseBody{data=domain.Attachment}
// @Failure 400 {object} errorResponseBody
// @Failure 403 {object} errorResponseBody
// @Failure 409 {object} errorResponseBody
// @Router /chat/sessions/{id}/attachments [post]
func (h *ChatHandler) UploadAttachment(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	maxBytes := int64(h.cfg.MaxAttachmentMB) << 20
	if maxBytes > 0 {
		// multipart framing needs a little room on top of the file itself
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+(1<<20))
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		badRequestResponse(c, "файл не передан или слишком большой")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("ошибка открытия загруженного файла", zap.Error(err))
		internalServerErrorResponse(c)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.logger.Error("ошибка чтения загруженного файла", zap.Error(err))
		internalServerErrorResponse(c)
		return
	}

	attachment, err := h.chatService.UploadAttachment(c.Request.Context(), actor, id, data, fileHeader.Filename)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	createdResponse(c, attachment)
}

// @Summary Get a download link for an attachment
// @Tags Chat
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Session ID"
// @Param attachment_id path string true "Attachment ID"
// @Success 200 {object} successResponseBody{data=domain.AttachmentLink}
// @Failure 400 {object} errorResponseBody
// @Failure 403 {object} errorResponseBody
// @Failure 404 {object} errorResponseBody
// @Router /chat/sessions/{id}/attachments/{attachment_id} [get]
func (h *ChatHandler) GetAttachmentLink(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	link, err := h.chatService.GetAttachmentLink(c.Request.Context(), actor, id, c.Param("attachment_id"))
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, link)
}

// @Summary Download an attachment through the API
// @Tags Chat
// @Produce octet-stream
// @Security ApiKeyAuth
// @Param id path string true "Session ID"
// @Param attachment_id path string true "Attachment ID"
// @Success 200 {file} binary
// @Failure 403 {object} errorResponseBody
// @Failure 404 {object} errorResponseBody
// @Router /chat/sessions/{id}/attachments/{attachment_id}/content [get]
func (h *ChatHandler) GetAttachmentContent(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	data, err := h.chatService.GetAttachmentContent(c.Request.Context(), actor, id, c.Param("attachment_id"))
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}
