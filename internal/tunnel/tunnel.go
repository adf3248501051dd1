package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/whookdev/chatrelay/internal/models"
	"github.com/whookdev/chatrelay/internal/relay"
)

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

type Forwarder interface {
	Forward(ctx context.Context, req *relay.Request) (*relay.Response, error)
}

// Connection carries chat completion requests over a single WebSocket.
// Each request frame is forwarded on its own goroutine and answered with a
// frame carrying the same request ID.
type Connection struct {
	id     string
	conn   *websocket.Conn
	relay  Forwarder
	logger *slog.Logger

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func NewConnection(conn *websocket.Conn, fwd Forwarder, logger *slog.Logger) *Connection {
	id := generateConnectionID()
	return &Connection{
		id:     id,
		conn:   conn,
		relay:  fwd,
		logger: logger.With("component", "tunnel", "connection_id", id),
	}
}

func (t *Connection) ID() string {
	return t.id
}

// Handle serves the connection until the peer goes away or ctx is done.
func (t *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		t.wg.Wait()
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	readError := make(chan error, 1)
	go func() {
		readError <- t.readPump(ctx)
	}()

	for {
		select {
		case err := <-readError:
			if err != nil {
				return fmt.Errorf("tunnel closed: %w", err)
			}
			return nil

		case <-pingTicker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(writeTimeout),
			)
			t.writeMu.Unlock()
			if err != nil {
				t.conn.Close()
				<-readError
				return fmt.Errorf("ping failed: %w", err)
			}

		case <-ctx.Done():
			t.conn.Close()
			<-readError
			return nil
		}
	}
}

func (t *Connection) readPump(ctx context.Context) error {
	defer t.logger.Info("readPump ending")

	t.conn.SetReadDeadline(time.Now().Add(readTimeout))

	t.conn.SetPongHandler(func(string) error {
		t.logger.Debug("received pong")
		return t.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) && ctx.Err() == nil {
				t.logger.Error("websocket read error", "error", err)
				return fmt.Errorf("websocket read error: %w", err)
			}
			t.logger.Info("websocket closed")
			return nil
		}

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("malformed frame", "error", err)
			t.sendError("", http.StatusBadRequest, "Invalid JSON frame")
			continue
		}

		t.logger.Info("received message",
			"type", msg.Type,
			"request_id", msg.RequestID)

		switch msg.Type {
		case models.MessageTypeRequest:
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.handleRequest(ctx, &msg)
			}()
		default:
			t.sendError(msg.RequestID, http.StatusBadRequest,
				fmt.Sprintf("Unsupported message type %q", msg.Type))
		}
	}
}

func (t *Connection) handleRequest(ctx context.Context, msg *models.Message) {
	method := msg.Method
	if method == "" {
		method = http.MethodPost
	}
	// Frame headers arrive with whatever casing the peer used.
	header := make(http.Header, len(msg.Headers))
	for k, vs := range msg.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	resp, err := t.relay.Forward(ctx, &relay.Request{
		Method: method,
		Header: header,
		Body:   []byte(msg.Body),
	})
	if err != nil {
		t.sendError(msg.RequestID, relay.StatusCode(err), err.Error())
		return
	}

	t.send(&models.Message{
		Type:       models.MessageTypeResponse,
		RequestID:  msg.RequestID,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	})
}

func (t *Connection) sendError(requestID string, status int, text string) {
	body, _ := json.Marshal(models.ErrorResponse{Error: text})
	t.send(&models.Message{
		Type:       models.MessageTypeError,
		RequestID:  requestID,
		StatusCode: status,
		Body:       body,
	})
}

func (t *Connection) send(msg *models.Message) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteJSON(msg); err != nil {
		t.logger.Warn("failed to write frame",
			"request_id", msg.RequestID,
			"error", err)
	}
}

func generateConnectionID() string {
	return fmt.Sprintf("conn_%s", uuid.New().String())
}
