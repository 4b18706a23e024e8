package api

import "errors"

var ErrInvalidRequest = errors.New("invalid_request")

// fieldError reports a request field that failed validation.
type fieldError struct {
	param string
	msg   string
}

func (e *fieldError) Error() string { return e.msg }
func (e *fieldError) Unwrap() error { return ErrInvalidRequest }

func newInvalidRequest(param, msg string) error {
	return &fieldError{param: param, msg: msg}
}

// errorParam returns the request field err blames, if any.
func errorParam(err error) string {
	var fe *fieldError
	if errors.As(err, &fe) {
		return fe.param
	}
	return ""
}
