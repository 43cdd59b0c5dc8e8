package graphql

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes the client reacts to.
const (
	// CodeUnauthenticated ends the session.
	CodeUnauthenticated = "UNAUTHENTICATED"
	// CodeInvalidJWT is Hasura's answer to an expired token; it triggers a
	// refresh and one retry.
	CodeInvalidJWT = "invalid-jwt"
)

// ErrUnauthenticated means the session was torn down and the user must log
// in again.
var ErrUnauthenticated = errors.New("unauthenticated: please log in again")

// Error is one entry of a GraphQL errors array.
type Error struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Code returns extensions.code, or "".
func (e Error) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

func (e Error) Error() string {
	if code := e.Code(); code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, code)
	}
	return e.Message
}

// Errors is a non-empty GraphQL errors array returned as an error.
type Errors []Error

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// HasCode reports whether any entry carries code.
func (es Errors) HasCode(code string) bool {
	for _, e := range es {
		if e.Code() == code {
			return true
		}
	}
	return false
}

// StatusError is a non-2xx HTTP answer other than the 401 the client
// handles itself.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}
