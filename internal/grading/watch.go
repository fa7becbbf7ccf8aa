package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/pavelanni/gradeflow/internal/apperr"
)

// Update is one message from a task's status channel.
type Update struct {
	Status  string
	Message string
	// Result is the grading payload, in a shape model.NormalizeResult accepts.
	Result json.RawMessage
	Error  string
}

type wsMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details struct {
		Message string          `json:"message"`
		Results json.RawMessage `json:"results"`
	} `json:"details"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (m wsMessage) update() Update {
	u := Update{Status: m.Status, Message: m.Message, Error: m.Error, Result: m.Result}
	if u.Message == "" {
		u.Message = m.Details.Message
	}
	if len(m.Details.Results) > 0 && string(m.Details.Results) != "null" {
		u.Result, _ = json.Marshal(map[string]json.RawMessage{"results": m.Details.Results})
	}
	return u
}

// WatchURL returns the status channel URL of a task, or "" when no
// WebSocket root is known.
func (c *Client) WatchURL(taskID string) string {
	if c.wsURL == "" {
		return ""
	}
	return c.wsURL + "/ws/grading-status/" + url.PathEscape(taskID) + "/"
}

// Watch subscribes to a task's status channel and calls fn for every
// message. It returns nil when fn reports done or the server closes the
// channel normally, and ctx.Err() when ctx ends first.
func (c *Client) Watch(ctx context.Context, taskID string, fn func(Update) (done bool)) error {
	endpoint := c.WatchURL(taskID)
	if endpoint == "" {
		return apperr.Configuration("grading WebSocket URL is not set")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				slog.Warn("skipping malformed status message", "task_id", taskID, "error", err)
				continue
			}
			return fmt.Errorf("read status of %s: %w", taskID, err)
		}
		if fn(msg.update()) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}
