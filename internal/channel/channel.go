// Package channel defines how the scheduler talks back to a requester.
// Transports (websocket, CLI, tests) implement Channel.
package channel

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by WaitForMessage when nothing arrives in time.
var ErrTimeout = errors.New("timed out waiting for message")

// ErrClosed is returned once the requester has gone away.
var ErrClosed = errors.New("channel closed")

// Message is one message a requester typed into the channel.
type Message struct {
	RequesterID string
	Content     string
}

// Field is one name/value row of an Embed.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Embed is a structured message. Kind lets clients react without parsing text.
type Embed struct {
	Kind   string  `json:"kind"`
	Title  string  `json:"title"`
	Fields []Field `json:"fields,omitempty"`
}

// Embed kinds sent by the scheduler.
const (
	KindQueue       = "queue"
	KindRunStarted  = "run.started"
	KindRunFinished = "run.finished"
)

// Channel is the conversation a run was submitted from.
type Channel interface {
	ID() string
	SendText(ctx context.Context, text string) error
	SendEmbed(ctx context.Context, e Embed) error
	// WaitForMessage blocks for the next message by requesterID.
	WaitForMessage(ctx context.Context, requesterID string, timeout time.Duration) (Message, error)
}
