package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/guseggert/pipebridge/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Executor runs one exchange with the host.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) (protocol.Response, error)
}

type Server struct {
	Log      *zap.SugaredLogger
	Executor Executor
	Interval time.Duration

	// OnExchange, if set, is called after every exchange the server runs.
	OnExchange func(cmd protocol.Command, err error)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	s.Log.Debug("accepted WebSocket conn")

	// The client never sends data messages, so the read side only watches for the close.
	ctx := wsConn.CloseRead(r.Context())

	runner := &sessionRunner{
		log:      s.Log.Named("session_runner"),
		conn:     wsConn,
		executor: s.Executor,
		interval: s.Interval,
		observe:  s.OnExchange,
	}
	runner.run(ctx)
}

type sessionRunner struct {
	log      *zap.SugaredLogger
	conn     *websocket.Conn
	executor Executor
	interval time.Duration
	observe  func(protocol.Command, error)
}

func (r *sessionRunner) run(ctx context.Context) {
	ok := r.exchangeAndSend(ctx, protocol.OpenNewConnection)
	if !ok {
		r.conn.Close(websocket.StatusInternalError, FailureMessage)
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Debugf("stream context done: %s", ctx.Err())
			r.conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
		r.exchangeAndSend(ctx, protocol.KeepAlive)
	}
}

// exchangeAndSend reports whether the exchange succeeded and its outcome was delivered.
func (r *sessionRunner) exchangeAndSend(ctx context.Context, cmd protocol.Command) bool {
	resp, err := r.executor.Execute(ctx, cmd)
	if r.observe != nil {
		r.observe(cmd, err)
	}

	msg := Message{
		KeepAlive: cmd == protocol.KeepAlive,
		Time:      time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		r.log.Errorw("stream exchange failed", "Command", cmd, "Error", err)
		msg.Error = FailureMessage
	} else {
		msg.URL = resp.URL
	}

	writeErr := wsjson.Write(ctx, r.conn, msg)
	if writeErr != nil {
		r.log.Debugf("error sending stream message: %s", writeErr)
		return false
	}
	return err == nil
}
