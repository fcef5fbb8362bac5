package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/quiche/internal/server"
	"github.com/michaelbrown/quiche/internal/submission"
)

// Session is one requester's websocket into a channel.
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Attach opens the channel websocket as requesterID.
func (c *Client) Attach(ctx context.Context, channelID, requesterID string) (*Session, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/channels/" + url.PathEscape(channelID) + "/ws"
	u.RawQuery = url.Values{"requester": {requesterID}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("connecting to %s: %w", u.Host, err)
	}
	return &Session{conn: conn}, nil
}

// Run submits a payload for execution.
func (s *Session) Run(p submission.Payload) error {
	return s.write(server.Incoming{
		Type:       server.FrameRun,
		Content:    p.Content,
		Files:      p.Attachments,
		Referenced: p.Referenced,
		Entry:      p.EntryName,
	})
}

// Send types a line into the running program.
func (s *Session) Send(content string) error {
	return s.write(server.Incoming{Type: server.FrameMessage, Content: content})
}

func (s *Session) Exit() error {
	return s.write(server.Incoming{Type: server.FrameExit})
}

func (s *Session) Queue() error {
	return s.write(server.Incoming{Type: server.FrameQueue})
}

// Next blocks for the next frame from the server.
func (s *Session) Next() (server.Outgoing, error) {
	var f server.Outgoing
	err := s.conn.ReadJSON(&f)
	return f, err
}

// Close sends a close frame and closes the connection.
func (s *Session) Close() error {
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Session) write(v server.Incoming) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}
