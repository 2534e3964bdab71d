package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-relay/internal/transport"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stream hub"))
		return
	}

	client := s.Hub.Attach(r.URL.Query().Get("thread"), r.URL.Query().Get("user"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		client.Close()
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")
	defer client.Close()

	ctx := r.Context()
	if err := streamClient(ctx, client, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// streamClient forwards hub frames to one socket. Every delivery and
// keepalive tick bumps the connection heartbeat so idle-but-open
// streams are not swept as stale.
func streamClient(ctx context.Context, client *transport.Client, writer wsWriter) error {
	client.Heartbeat()
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepalive.C:
			client.Heartbeat()
			if err := writer.Write(ctx, websocket.MessageText, []byte(`{"type":"ping","payload":{}}`)); err != nil {
				return err
			}
		case data, ok := <-client.Ch():
			if !ok {
				return nil
			}
			client.Heartbeat()
			if err := writer.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
		}
	}
}
