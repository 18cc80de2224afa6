package http

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rupamthxt/visionvec/internal/session"
)

// wsConn adapts a fiber websocket to session.Conn. Replies go out as text
// frames.
type wsConn struct {
	conn *websocket.Conn
}

func (w wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w wsConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// sessionHandler runs one session per connection. Cancelling ctx closes the
// socket so the session reader unblocks.
func sessionHandler(ctx context.Context, sessions *session.Manager, logger *zap.SugaredLogger) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()

		if err := sessions.Serve(ctx, wsConn{conn: c}); err != nil {
			logger.Warnw("session ended with error", "remote", c.RemoteAddr().String(), "error", err)
		}
	})
}
