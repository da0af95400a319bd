package identity

import "fmt"

// IdentityError means no usable CI identity could be established.
type IdentityError struct {
	Login  string
	Reason string
	Err    error
}

func (e *IdentityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity %q: %s: %v", e.Login, e.Reason, e.Err)
	}
	return fmt.Sprintf("identity %q: %s", e.Login, e.Reason)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}

// TokenUnavailableError means no durable Git host token could be found.
type TokenUnavailableError struct {
	Path string
	Err  error
}

func (e *TokenUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("git host token unavailable at %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("git host token unavailable at %s", e.Path)
}

func (e *TokenUnavailableError) Unwrap() error {
	return e.Err
}
