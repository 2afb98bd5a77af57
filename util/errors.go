package util

import "github.com/infigaming-com/go-coord/errors"

const (
	ErrCodeValueNotFoundInContext = 10000 + iota
	ErrCodeInvalidValueInContext
)

func newUtilError(code int64, message string) *errors.Error {
	return errors.NewError(code, message, nil)
}
