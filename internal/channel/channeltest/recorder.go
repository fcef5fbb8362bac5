// Package channeltest provides an in-memory channel.Channel for tests.
package channeltest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/michaelbrown/quiche/internal/channel"
)

// Recorder records everything sent to it and replays scripted requester messages.
type Recorder struct {
	id    string
	inbox chan channel.Message

	mu     sync.Mutex
	texts  []string
	embeds []channel.Embed
	notify chan struct{}
}

// NewRecorder creates a recorder with the given channel id.
func NewRecorder(id string) *Recorder {
	return &Recorder{
		id:     id,
		inbox:  make(chan channel.Message, 64),
		notify: make(chan struct{}, 1),
	}
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	r.wake()
	return nil
}

func (r *Recorder) SendEmbed(ctx context.Context, e channel.Embed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.embeds = append(r.embeds, e)
	r.mu.Unlock()
	r.wake()
	return nil
}

func (r *Recorder) WaitForMessage(ctx context.Context, requesterID string, timeout time.Duration) (channel.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-r.inbox:
			if msg.RequesterID == requesterID {
				return msg, nil
			}
		case <-timer.C:
			return channel.Message{}, channel.ErrTimeout
		case <-ctx.Done():
			return channel.Message{}, ctx.Err()
		}
	}
}

// Say queues a message from requesterID for the next WaitForMessage.
func (r *Recorder) Say(requesterID, content string) {
	r.inbox <- channel.Message{RequesterID: requesterID, Content: content}
}

// Texts returns a copy of every text sent so far.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

// Embeds returns a copy of every embed sent so far.
func (r *Recorder) Embeds() []channel.Embed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channel.Embed(nil), r.embeds...)
}

// Count returns how many texts contain substr.
func (r *Recorder) Count(substr string) int {
	n := 0
	for _, t := range r.Texts() {
		if strings.Contains(t, substr) {
			n++
		}
	}
	return n
}

// WaitText blocks until a text containing substr arrives or timeout passes.
func (r *Recorder) WaitText(substr string, timeout time.Duration) bool {
	return r.waitUntil(func() bool { return r.Count(substr) > 0 }, timeout)
}

// WaitEmbed blocks until an embed of the given kind arrives or timeout passes.
func (r *Recorder) WaitEmbed(kind string, timeout time.Duration) bool {
	return r.waitUntil(func() bool {
		for _, e := range r.Embeds() {
			if e.Kind == kind {
				return true
			}
		}
		return false
	}, timeout)
}

func (r *Recorder) waitUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if cond() {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline:
			return cond()
		}
	}
}

func (r *Recorder) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
