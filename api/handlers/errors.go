// Package handlers provides HTTP API request handlers.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/retail-bank-web/realtime/internal/model"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	ErrorMessage string `json:"errorMessage"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{ErrorMessage: message})
}

// sendKindError maps a classified error onto its status and message.
func sendKindError(c *gin.Context, err error) {
	sendError(c, model.KindOf(err).HTTPStatus(), model.MessageOf(err))
}
