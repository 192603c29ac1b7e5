package services

import (
	"errors"
	"fmt"
)

// 错误类别，handler 据此映射 HTTP 状态码
var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
)

// Error 业务错误
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrNotFound) 按类别匹配
func (e *Error) Is(target error) bool { return target == e.Kind }

func notFoundf(format string, args ...interface{}) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func badRequestf(format string, args ...interface{}) error {
	return &Error{Kind: ErrBadRequest, Message: fmt.Sprintf(format, args...)}
}

// IsNotFound 是否为 NotFound
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsBadRequest 是否为 BadRequest
func IsBadRequest(err error) bool { return errors.Is(err, ErrBadRequest) }
