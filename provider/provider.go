// Package provider normalizes calls to external LLM providers behind a
// single Completer interface with a fixed error taxonomy.
package provider

import (
	"context"
	"fmt"
)

// Message is one chat turn sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is a successful provider response.
type Completion struct {
	Text        string
	TotalTokens int
}

// Completer is implemented once per provider. New providers register an
// implementation; nothing else in the codebase branches on provider name.
// apiKey is the tenant credential; when empty the adapter falls back to
// its service-level key.
type Completer interface {
	Name() string
	Complete(ctx context.Context, model string, messages []Message, apiKey string) (*Completion, error)
}

// Error kinds every implementation maps its upstream failures into.
type ErrKind int

const (
	KindAuth        ErrKind = iota // invalid or revoked credential
	KindQuota                      // provider billing/quota exhausted
	KindUnavailable                // outage or timeout
	KindUnsupported                // model not supported
)

// Error is a normalized provider failure. None of these ever produce a
// cache entry.
type Error struct {
	Kind     ErrKind
	Provider string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a normalized failure; adapters use it for every
// upstream error path.
func NewError(kind ErrKind, provider, detail string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Detail: detail, Err: err}
}

// StatusToKind maps an upstream HTTP status to the taxonomy. Shared by the
// HTTP-backed adapters.
func StatusToKind(status int) ErrKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 402 || status == 429:
		return KindQuota
	case status == 404:
		return KindUnsupported
	default:
		return KindUnavailable
	}
}
