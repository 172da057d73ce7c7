package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

// ErrorResponse - единый формат ошибки API.
type ErrorResponse struct {
	Error string             `json:"error"`
	Code  apperror.ErrorCode `json:"code"`
}

// WriteError отвечает клиенту по ошибке. Ошибки без кода считаются
// внутренними и маскируются.
func WriteError(c *gin.Context, err error) {
	appErr, ok := apperror.As(err)
	if !ok {
		appErr = apperror.ErrInternal
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		logger.Log.WithFields(logrus.Fields{
			"error":  err.Error(),
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Error("request error")
	}

	c.AbortWithStatusJSON(status, ErrorResponse{Error: appErr.Message, Code: appErr.Code})
}

// ErrorHandler отвечает по последней ошибке, добавленной через c.Error,
// если хэндлер сам ничего не записал.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() || len(c.Errors) == 0 {
			return
		}

		WriteError(c, c.Errors.Last().Err)
	}
}
