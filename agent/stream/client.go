package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// ErrStreamFailed is returned when the server ends a stream because it could not reach the host.
var ErrStreamFailed = errors.New("stream ended by server")

type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

// Stream opens a session stream and calls handle with every message, until ctx is done, the server closes the stream,
// or handle returns an error. Canceling ctx is the normal way to end a stream, and returns nil.
func (c *Client) Stream(ctx context.Context, handle func(Message) error) error {
	c.Logger.Debugw("dialing WebSocket for stream", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("establishing WebSocket conn for stream: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	for {
		var msg Message
		err := wsjson.Read(ctx, wsConn, &msg)
		if ctx.Err() != nil {
			return nil
		}
		switch websocket.CloseStatus(err) {
		case -1:
		case websocket.StatusNormalClosure:
			return nil
		default:
			return fmt.Errorf("%w: %w", ErrStreamFailed, err)
		}
		if err != nil {
			return fmt.Errorf("reading stream message: %w", err)
		}
		err = handle(msg)
		if err != nil {
			return err
		}
	}
}
