package api

import (
	"github.com/gin-gonic/gin"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
)

// envelope is the shared response shape. Every endpoint answers with it,
// success and failure alike.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Server) ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, envelope{Success: true, Message: message, Data: data})
}

// fail maps an error onto the taxonomy's HTTP status and the envelope.
// Structured detail (offending fields, the missing permission, the
// exceeded quota dimension, retry hints) rides in data; the raw error
// chain is exposed only on development deployments.
func (s *Server) fail(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	status := errors.HTTPStatus(kind)

	data := gin.H{}
	for k, v := range errors.FieldsOf(err) {
		data[k] = v
	}
	if retryAfter := errors.RetryAfterOf(err); retryAfter > 0 {
		data["retry_after_ms"] = retryAfter.Milliseconds()
	}
	if s.development {
		data["detail"] = err.Error()
	}
	if len(data) == 0 {
		data = nil
	}

	message := errors.MessageOf(err)
	if kind == errors.KindInternal && !s.development {
		message = "internal error"
		s.logger.Error("request failed", map[string]interface{}{
			"path": c.FullPath(), "error": err.Error(),
		})
	}

	c.AbortWithStatusJSON(status, envelope{Success: false, Message: message, Data: data})
}

func bindJSON(c *gin.Context, out interface{}) error {
	if err := c.ShouldBindJSON(out); err != nil {
		return errors.Wrap(err, errors.KindValidation, "malformed request body")
	}
	return nil
}
