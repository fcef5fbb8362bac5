package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/quiche/internal/channel"
	appErr "github.com/michaelbrown/quiche/internal/errors"
	"github.com/michaelbrown/quiche/internal/scheduler"
	"github.com/michaelbrown/quiche/internal/submission"
)

const (
	writeTimeout = 10 * time.Second
	inboxSize    = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // deployments sit behind an authenticating proxy
	},
}

// Frame types a client sends.
const (
	FrameRun     = "run"
	FrameMessage = "message"
	FrameExit    = "exit"
	FrameQueue   = "queue"
)

// Frame types the server sends.
const (
	FrameText  = "text"
	FrameEmbed = "embed"
	FrameError = "error"
)

// Incoming is a frame from the client.
type Incoming struct {
	Type       string            `json:"type"`
	Content    string            `json:"content,omitempty"`
	Files      []submission.File `json:"files,omitempty"`
	Referenced []submission.File `json:"referenced,omitempty"`
	Entry      string            `json:"entry,omitempty"`
}

// Outgoing is a frame to the client.
type Outgoing struct {
	Type    string         `json:"type"`
	Content string         `json:"content,omitempty"`
	Embed   *channel.Embed `json:"embed,omitempty"`
}

// wsChannel adapts one websocket connection to channel.Channel.
type wsChannel struct {
	id        string
	requester string
	conn      *websocket.Conn
	log       *zap.Logger

	writeMu sync.Mutex
	inbox   chan string

	done      chan struct{}
	closeOnce sync.Once
	submitted atomic.Bool
}

func newWSChannel(id, requester string, conn *websocket.Conn, log *zap.Logger) *wsChannel {
	return &wsChannel{
		id:        id,
		requester: requester,
		conn:      conn,
		log:       log,
		inbox:     make(chan string, inboxSize),
		done:      make(chan struct{}),
	}
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) SendText(ctx context.Context, text string) error {
	return c.write(ctx, Outgoing{Type: FrameText, Content: text})
}

func (c *wsChannel) SendEmbed(ctx context.Context, e channel.Embed) error {
	return c.write(ctx, Outgoing{Type: FrameEmbed, Embed: &e})
}

func (c *wsChannel) sendError(text string) {
	if err := c.write(context.Background(), Outgoing{Type: FrameError, Content: text}); err != nil {
		c.log.Debug("websocket error frame failed", zap.Error(err))
	}
}

func (c *wsChannel) WaitForMessage(ctx context.Context, requesterID string, timeout time.Duration) (channel.Message, error) {
	if requesterID != c.requester {
		// Only the connected requester can type into this socket.
		select {
		case <-time.After(timeout):
			return channel.Message{}, channel.ErrTimeout
		case <-c.done:
			return channel.Message{}, channel.ErrClosed
		case <-ctx.Done():
			return channel.Message{}, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case content := <-c.inbox:
		return channel.Message{RequesterID: c.requester, Content: content}, nil
	case <-timer.C:
		return channel.Message{}, channel.ErrTimeout
	case <-c.done:
		return channel.Message{}, channel.ErrClosed
	case <-ctx.Done():
		return channel.Message{}, ctx.Err()
	}
}

func (c *wsChannel) write(ctx context.Context, frame Outgoing) error {
	select {
	case <-c.done:
		return channel.ErrClosed
	default:
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// deliver queues a typed message for the running program, dropping the
// oldest one when the program is not reading.
func (c *wsChannel) deliver(content string) {
	for {
		select {
		case c.inbox <- content:
			return
		default:
		}
		select {
		case <-c.inbox:
		default:
		}
	}
}

// drain discards messages typed before the current run was submitted.
func (c *wsChannel) drain() {
	for {
		select {
		case <-c.inbox:
		default:
			return
		}
	}
}

func (c *wsChannel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channel")
	requester := r.URL.Query().Get("requester")
	if requester == "" {
		http.Error(w, "requester is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	log := s.log.With(zap.String("requester", requester), zap.String("channel", channelID))
	ch := newWSChannel(channelID, requester, conn, log)
	if prev := s.channels.Register(requester, ch); prev != nil {
		prev.sendError("Connection replaced by a new session.")
		// The old socket's run cannot reach the requester any more.
		terminated := prev.submitted.Load() && s.sched.Terminate(requester) == nil
		prev.Close()
		if terminated {
			log.Info("run terminated on reconnect")
			ch.SendText(r.Context(), scheduler.MsgTerminated)
		}
	}
	log.Debug("websocket connected")

	defer func() {
		ch.Close()
		if s.channels.Remove(requester, ch) && ch.submitted.Load() {
			// A requester who leaves cannot answer prompts; free the slot.
			if err := s.sched.Terminate(requester); err == nil {
				log.Info("run terminated on disconnect")
			}
		}
		log.Debug("websocket disconnected")
	}()

	for {
		var msg Incoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		s.handleFrame(r.Context(), ch, msg)
	}
}

func (s *Server) handleFrame(ctx context.Context, ch *wsChannel, msg Incoming) {
	switch msg.Type {
	case FrameRun:
		ch.drain()
		pos, err := s.sched.Submit(ctx, scheduler.Request{
			RequesterID: ch.requester,
			Channel:     ch,
			Payload: submission.Payload{
				Content:     msg.Content,
				Attachments: msg.Files,
				Referenced:  msg.Referenced,
				EntryName:   msg.Entry,
			},
		})
		if err != nil {
			ch.sendError(appErr.UserMessage(err, "Could not queue your run."))
			return
		}
		ch.submitted.Store(true)
		ch.SendText(ctx, s.sched.QueuedText(pos))

	case FrameMessage:
		ch.deliver(msg.Content)

	case FrameExit:
		if err := s.sched.Terminate(ch.requester); err != nil {
			ch.sendError(appErr.UserMessage(err, scheduler.MsgNoActive))
		}

	case FrameQueue:
		ch.SendEmbed(ctx, s.sched.Status().Embed())

	default:
		ch.sendError("invalid message")
	}
}
