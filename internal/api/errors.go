package api

import (
	"errors"   // Error inspection
	"net/http" // HTTP status codes

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging

	"marketplace/internal/domain" // Error taxonomy
)

const serverError = "Server error"

// statusFor maps an error kind to its HTTP status
func statusFor(err error) int {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		return http.StatusInternalServerError
	}
	switch derr.Kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindConflict:
		if errors.Is(err, domain.ErrSelfPurchase) {
			return http.StatusBadRequest
		}
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// respondError writes err as {error, field?, details?}. Details only leave the process outside
// release mode, and auth failures never carry any.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{}
	var derr *domain.Error
	if errors.As(err, &derr) {
		body["error"] = derr.Message
		if derr.Field != "" {
			body["field"] = derr.Field
		}
	} else {
		body["error"] = serverError
	}
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("Request failed")
	}
	if gin.Mode() != gin.ReleaseMode && status != http.StatusUnauthorized && (derr == nil || derr.Err != nil) {
		body["details"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

// badRequest reports a body or query that could not be bound
func badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": message}
	if gin.Mode() != gin.ReleaseMode && err != nil {
		body["details"] = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, body)
}
