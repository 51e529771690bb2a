package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/songzhibin97/shopfloor-flow/logging"
	"github.com/songzhibin97/shopfloor-flow/types"
)

var statusByCode = map[string]int{
	types.CodeNotFound:          http.StatusNotFound,
	types.CodeDuplicateID:       http.StatusConflict,
	types.CodeIllegalTransition: http.StatusConflict,
	types.CodeConflictingUpdate: http.StatusConflict,
	types.CodeValidationFailed:  http.StatusUnprocessableEntity,
	types.CodeUnauthorized:      http.StatusForbidden,
	types.CodeDivisionByZero:    http.StatusBadRequest,
}

// HTTPStatus maps err to a response status; unknown errors are 500.
func HTTPStatus(err error) int {
	if status, ok := statusByCode[types.ErrorCode(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondError writes the error envelope and aborts the chain.
func respondError(c *gin.Context, err error) {
	status := HTTPStatus(err)
	code := types.ErrorCode(err)
	if status >= http.StatusInternalServerError {
		logging.From(c.Request.Context(), zap.NewNop()).Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}
