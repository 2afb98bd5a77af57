package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/infigaming-com/go-coord/errors"
)

const (
	ErrCodeInvalidArgument = 20000 + iota
	ErrCodeLockNotAcquired
	ErrCodeLockNotFound
	ErrCodeKeyNotFound
	ErrCodeIDUnavailable
	ErrCodeInternal
	ErrCodeLockCapacity
)

func invalidArgument(message string, cause error) *errors.Error {
	return errors.NewError(ErrCodeInvalidArgument, message, cause).WithStatusCode(http.StatusBadRequest)
}

func internalError(message string, cause error) *errors.Error {
	return errors.NewError(ErrCodeInternal, message, cause).WithStatusCode(http.StatusInternalServerError)
}

func abortWithError(c *gin.Context, e *errors.Error) {
	_ = c.Error(e)
	c.AbortWithStatusJSON(e.GetStatusCode(), e)
}
