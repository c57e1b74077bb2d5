// Package delivery defines the message delivery agent used by the job engine
// and its implementations.
package delivery

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Message is one outbound message for a single lead.
type Message struct {
	LeadID      string `json:"lead_id,omitempty"`
	Destination string `json:"destination"`
	Content     string `json:"content"`
	Subject     string `json:"subject,omitempty"`
}

// Agent transmits messages through an external channel. An agent serves a
// single job: Init is called once, Deliver once per lead, Release exactly once.
type Agent interface {
	// Init authenticates a delivery session.
	Init(ctx context.Context, creds model.Credentials) error
	// Deliver sends one message. A nil error means the message was sent.
	Deliver(ctx context.Context, msg Message) error
	// Release tears down the session.
	Release(ctx context.Context) error
}

// Factory builds a fresh agent for one job run.
type Factory func() Agent

var (
	// ErrButtonNotFound is reported when the messaging control could not be
	// located on the destination profile.
	ErrButtonNotFound = eris.New("message button not found")
	// ErrSelectorTimeout is reported when the automation timed out waiting
	// for a page element.
	ErrSelectorTimeout = eris.New("selector timeout")
	// ErrNoSession is returned by Deliver before a successful Init.
	ErrNoSession = eris.New("delivery: session not initialized")
)

// FatalError marks an error after which the delivery session is unusable.
// The engine aborts the job instead of counting a per-lead failure.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "delivery: fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError. A nil err returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err is or wraps a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
