package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"supportchat/internal/domain"
)

type errorResponseBody struct {
	Status  string      `json:"status"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type successResponseBody struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type messageResponseType struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type paginatedResponse struct {
	Status     string      `json:"status"`
	Data       interface{} `json:"data"`
	TotalCount int64       `json:"total_count"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int64       `json:"total_pages"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

func successResponse(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, successResponseBody{
		Status: "success",
		Data:   data,
	})
}

func errorResponse(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, errorResponseBody{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

func messageResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, messageResponseType{
		Status:  "success",
		Message: message,
	})
}

func paginatedSuccessResponse(c *gin.Context, data interface{}, totalCount int64, limit, offset int) {
	page := 1
	totalPages := int64(1)
	if limit > 0 {
		page = offset/limit + 1
		totalPages = totalCount / int64(limit)
		if totalCount%int64(limit) > 0 {
			totalPages++
		}
	}

	c.JSON(http.StatusOK, paginatedResponse{
		Status:     "success",
		Data:       data,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   limit,
		TotalPages: totalPages,
	})
}

func createdResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, successResponseBody{
		Status: "success",
		Data:   data,
	})
}

func badRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, domain.CodeValidation, message)
}

func unauthorizedResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusUnauthorized, domain.CodeUnauthorized, message)
}

func forbiddenResponse(c *gin.Context, message ...string) {
	msg := "доступ запрещен"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	errorResponse(c, http.StatusForbidden, domain.CodeForbidden, msg)
}

func internalServerErrorResponse(c *gin.Context) {
	errorResponse(c, http.StatusInternalServerError, domain.CodeInternal, "внутренняя ошибка сервера")
}

var conflictMessages = map[string]string{
	domain.CodeSessionExists:  "у пользователя уже есть открытая сессия",
	domain.CodeAlreadyClaimed: "сессию уже взял другой специалист",
	domain.CodeAlreadyEnded:   "сессия уже завершена",
	domain.CodeSessionEnded:   "сессия завершена, отправка невозможна",
}

// HTTPStatusFromError maps a domain error onto its HTTP status.
func HTTPStatusFromError(err error) int {
	switch domain.ErrorCode(err) {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeSessionExists, domain.CodeAlreadyClaimed, domain.CodeAlreadyEnded, domain.CodeSessionEnded:
		return http.StatusConflict
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// serviceErrorResponse writes the error body for a failed service call.
// Conflicts carry the session as it stands so the caller can adopt it.
func serviceErrorResponse(c *gin.Context, err error) {
	code := domain.ErrorCode(err)
	status := HTTPStatusFromError(err)

	body := errorResponseBody{Status: "error", Code: code}

	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		body.Message = validationErr.Message
	case status == http.StatusInternalServerError:
		_ = c.Error(err)
		body.Message = "внутренняя ошибка сервера"
	case conflictMessages[code] != "":
		body.Message = conflictMessages[code]
	case code == domain.CodeNotFound:
		body.Message = "сессия не найдена"
	case code == domain.CodeRateLimited:
		body.Message = "слишком много сообщений, попробуйте позже"
	default:
		body.Message = err.Error()
	}

	if session, ok := domain.ConflictSession(err); ok {
		body.Data = session
	}

	c.AbortWithStatusJSON(status, body)
}
