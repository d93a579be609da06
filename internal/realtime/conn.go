package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// callback executed when a frame is received.
type messageHandler func(msg []byte)

type closeHandler func(err error)

// conn is a single client WebSocket connection with dedicated read and write
// pumps. Send is safe for concurrent use.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	onMessage messageHandler
	onClose   closeHandler

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

// dial opens the socket with the given headers (bearer token included) but
// does not start the pumps; call run once handlers are wired.
func dial(ctx context.Context, url string, header http.Header, onMessage messageHandler, onClose closeHandler, logger *slog.Logger) (*conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:        ws,
		send:      make(chan []byte, 256), // Buffered channel
		onMessage: onMessage,
		onClose:   onClose,
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		logger:    logger,
	}, nil
}

func (c *conn) run() {
	go c.readPump()
	go c.writePump()
}

// readPump pumps frames from the socket to the message handler.
func (c *conn) readPump() {
	var readErr error
	defer func() {
		c.close(readErr)
	}()

	for {
		typ, r, err := c.ws.Reader(c.ctx)
		if err != nil {
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		msg, err := io.ReadAll(r)
		if err != nil {
			readErr = err
			return
		}
		c.onMessage(msg)
	}
}

// writePump pumps frames from the send channel to the socket.
func (c *conn) writePump() {
	var writeErr error
	defer func() {
		c.close(writeErr)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.ws.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := c.ws.Write(c.ctx, websocket.MessageText, msg); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.ws.Close(websocket.StatusNormalClosure, "closing")
			return
		}
	}
}

// sendFrame queues a frame for the write pump. Safe after close.
func (c *conn) sendFrame(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
	}
}

// close tears the connection down exactly once and reports the reason.
func (c *conn) close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Debug("Realtime connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(err)
		}
		close(c.done)
	})
}
