package adminapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/corehost/pluginhost/internal/hosterr"
)

// errorResponse is the stable public error shape (§7 "translates core
// error kinds into stable public codes").
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps a hosterr.Kind to the HTTP status a remote operator
// should see. Anything that doesn't unwrap to a HostError is a bug inside
// the admin surface itself, not a plugin condition, and is reported as
// 500 with an opaque code.
func statusFor(kind hosterr.Kind) int {
	switch kind {
	case hosterr.Config:
		return http.StatusBadRequest
	case hosterr.IPCTimeout:
		return http.StatusGatewayTimeout
	case hosterr.IPCProtocol:
		return http.StatusBadGateway
	case hosterr.ProcessDead:
		return http.StatusConflict
	case hosterr.PluginFailure:
		return http.StatusUnprocessableEntity
	case hosterr.Capacity:
		return http.StatusServiceUnavailable
	case hosterr.UnknownAction:
		return http.StatusNotFound
	case hosterr.Dependency:
		return http.StatusConflict
	case hosterr.Policy:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a stable {error, message} body with a status
// derived from its hosterr.Kind, falling back to 500 for anything else.
func respondError(c *gin.Context, err error) {
	var he *hosterr.HostError
	if errors.As(err, &he) {
		c.JSON(statusFor(he.Kind), errorResponse{Error: string(he.Kind), Message: he.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal", Message: err.Error()})
}
