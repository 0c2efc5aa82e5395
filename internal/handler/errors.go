package handler

import (
	"net/http"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/gin-gonic/gin"
)

// statusOf maps a domain reason code to the HTTP status answered for it.
func statusOf(code string) int {
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "conflict", "already_member", "full":
		return http.StatusConflict
	case "unauthorized":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "invalid_argument":
		return http.StatusBadRequest
	case "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers err as {"error": ..., "code": ...}. Internal errors are not echoed.
func writeError(c *gin.Context, err error) {
	code := errs.Code(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	c.JSON(statusOf(code), gin.H{"error": msg, "code": code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "code": "invalid_argument", "message": err.Error()})
}
