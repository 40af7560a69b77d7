package middleware

import (
	"errors"
	"net/http"

	apperrors "project_hub/pkg/errors"

	"github.com/gin-gonic/gin"
)

// ErrorHandler отвечает {"error": ...} для ошибок, добавленных через c.Error.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		statusCode := apperrors.HTTPStatusFromError(err)

		message := err.Error()
		if statusCode == http.StatusInternalServerError {
			var apiErr *apperrors.APIError
			if !errors.As(err, &apiErr) {
				message = "Internal server error"
			}
		}

		c.JSON(statusCode, gin.H{
			"error": message,
		})
	}
}
