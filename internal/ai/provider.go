package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// ErrorKind classifies provider failures so callers can decide what to absorb.
type ErrorKind string

const (
	KindQuota     ErrorKind = "quota"
	KindTimeout   ErrorKind = "timeout"
	KindMalformed ErrorKind = "malformed_response"
	KindEmpty     ErrorKind = "empty_response"
	KindUpstream  ErrorKind = "upstream"
	KindConfig    ErrorKind = "config"
)

type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func newError(provider string, kind ErrorKind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// statusError maps a non-2xx upstream status to an error kind.
func statusError(provider string, status int, msg string) *Error {
	kind := KindUpstream
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusPaymentRequired:
		kind = KindQuota
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		kind = KindTimeout
	}
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	return newError(provider, kind, errors.New(msg))
}

// transportError wraps errors from http.Client.Do and friends.
func transportError(provider string, err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return newError(provider, KindTimeout, err)
	}
	return newError(provider, KindUpstream, err)
}

// SendMessage prepends systemPrompt and fails with KindEmpty instead of
// returning blank text.
func SendMessage(ctx context.Context, p Provider, messages []Message, systemPrompt string) (string, error) {
	msgs := make([]Message, 0, len(messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, messages...)

	out, err := p.Chat(ctx, msgs)
	if err != nil {
		if ctx.Err() != nil && !IsKind(err, KindTimeout) {
			return "", newError("llm", KindTimeout, err)
		}
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", newError("llm", KindEmpty, nil)
	}
	return out, nil
}
