package hub

import (
	"errors"
	"fmt"
)

// AuthError indicates the hub rejected the credentials.
type AuthError struct {
	Repo       string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication required for repository %q (status %d)", e.Repo, e.StatusCode)
}

// NotFoundError indicates the repository, revision or file does not exist.
type NotFoundError struct {
	Repo string
	File string
}

func (e *NotFoundError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("repository %q not found", e.Repo)
	}
	return fmt.Sprintf("file %q not found in repository %q", e.File, e.Repo)
}

// NetworkError covers transport failures, rate limiting and unexpected
// statuses.
type NetworkError struct {
	Repo       string
	File       string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	target := e.Repo
	if e.File != "" {
		target = e.Repo + "/" + e.File
	}
	return fmt.Sprintf("fetch %s: %v", target, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
