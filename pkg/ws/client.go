package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the connection is dropped.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from a peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound frame buffer per client; overflow drops the frame and the
	// write pump eventually reaps the connection.
	sendBufferSize = 256
)

// Client is one control-plane connection. A client may bind to any number
// of threads; frames for a thread fan out to every bound client.
type Client struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	threads map[string]bool // thread ids this client is bound to
	logger  *slog.Logger

	// sendMu serializes queuing against closeSend: notifications arrive
	// from engine goroutines while the hub reaps disconnected clients.
	sendMu sync.Mutex
	closed bool
	send   chan []byte
}

func newClient(id string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, sendBufferSize),
		threads: make(map[string]bool),
		logger:  hub.logger.With("client_id", id),
	}
}

// ReadPump reads frames off the connection until it closes, dispatching
// each one. Runs as a goroutine per connection; exiting unregisters the
// client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Malformed control frame", "error", err)
			c.sendError("", "invalid frame format")
			continue
		}
		c.handleFrame(frame)
	}
}

// handleFrame routes one inbound frame. Controller calls run under the ack
// deadline for their frame type; blowing the deadline acks failure.
func (c *Client) handleFrame(frame Frame) {
	c.logger.Debug("Control frame received", "type", frame.Type, "id", frame.ID)

	switch frame.Type {
	case TypeRegister:
		c.handleRegister(frame)
	case TypeInterrupt:
		c.handleInterrupt(frame)
	case TypeResume:
		c.handleResume(frame)
	default:
		c.sendError(frame.ID, "unknown frame type "+frame.Type)
	}
}

func (c *Client) handleRegister(frame Frame) {
	var payload RegisterPayload
	if err := frame.ParsePayload(&payload); err != nil {
		c.sendError(frame.ID, "invalid register payload: "+err.Error())
		return
	}
	if payload.ThreadID == "" {
		c.sendError(frame.ID, "thread_id is required")
		return
	}

	c.hub.Bind(c, payload.ThreadID)
	c.reply(TypeRegistrationAck, frame.ID, RegistrationAckPayload{ClientID: c.ID})
}

func (c *Client) handleInterrupt(frame Frame) {
	var payload InterruptPayload
	if err := frame.ParsePayload(&payload); err != nil {
		c.sendError(frame.ID, "invalid interrupt payload: "+err.Error())
		return
	}
	if payload.ThreadID == "" {
		c.sendError(frame.ID, "thread_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), interruptAckTimeout)
	defer cancel()

	ack := AckPayload{Success: true, Message: "interrupt flag set"}
	if err := c.hub.controller.Interrupt(ctx, payload.ThreadID, payload.Reason); err != nil {
		ack = AckPayload{Success: false, Message: err.Error()}
		c.logger.Warn("Interrupt rejected",
			"thread_id", payload.ThreadID, "error", err)
	}
	c.reply(TypeInterruptAck, frame.ID, ack)
}

func (c *Client) handleResume(frame Frame) {
	var payload ResumePayload
	if err := frame.ParsePayload(&payload); err != nil {
		c.sendError(frame.ID, "invalid resume payload: "+err.Error())
		return
	}
	if payload.ThreadID == "" {
		c.sendError(frame.ID, "thread_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resumeAckTimeout)
	defer cancel()

	ack := AckPayload{Success: true, Message: "thread resumed"}
	if err := c.hub.controller.Resume(ctx, payload.ThreadID, payload.UserInput); err != nil {
		ack = AckPayload{Success: false, Message: err.Error()}
		c.logger.Warn("Resume rejected",
			"thread_id", payload.ThreadID, "error", err)
	}
	c.reply(TypeResumeAck, frame.ID, ack)
}

// reply sends a frame answering id.
func (c *Client) reply(frameType, id string, payload any) {
	frame, err := NewFrame(frameType, id, payload)
	if err != nil {
		c.logger.Error("Failed to build reply frame", "type", frameType, "error", err)
		return
	}
	c.sendFrame(frame)
}

func (c *Client) sendError(id, message string) {
	c.reply(TypeError, id, ErrorPayload{Message: message})
}

// sendFrame queues a frame for the write pump, dropping it when the client
// cannot keep up or has already been reaped.
func (c *Client) sendFrame(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to marshal frame", "type", frame.Type, "error", err)
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full, dropping frame", "type", frame.Type)
	}
}

// closeSend shuts the outbound queue exactly once, signalling the write
// pump to close the connection. Late sendFrame callers become no-ops.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WritePump drains the send channel onto the connection and keeps the
// connection alive with pings. Queued frames are batched into one message,
// newline-delimited. Runs as a goroutine per connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
