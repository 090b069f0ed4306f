// Package ws implements the WebSocket control plane of the orchestrator: a
// gorilla/websocket hub where clients bind to threads and send interrupt and
// resume frames that steer the plan-execute loop mid-flight.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Frame types sent by clients.
const (
	// TypeRegister binds the socket to a thread.
	TypeRegister = "register"

	// TypeInterrupt raises the thread's interrupt flag; the executor stops
	// at its next yield point.
	TypeInterrupt = "interrupt"

	// TypeResume clears the interrupt flag, handing the user's input to
	// the replanner.
	TypeResume = "resume"
)

// Frame types sent by the server.
const (
	TypeRegistrationAck = "registration_ack"
	TypeInterruptAck    = "interrupt_ack"
	TypeResumeAck       = "resume_ack"
	TypeNotification    = "notification"
	TypeError           = "error"
)

// Ack deadlines. A controller call that exceeds its window acks failure
// rather than leaving the client hanging.
const (
	interruptAckTimeout = 5 * time.Second
	resumeAckTimeout    = 10 * time.Second
)

// Frame is one control-plane message in either direction. Replies echo the
// id of the frame they answer.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// NewFrame builds a frame with a marshaled payload.
func NewFrame(frameType, id string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, ID: id}
	if payload == nil {
		return frame, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	frame.Payload = data
	return frame, nil
}

// ParsePayload decodes the frame payload into out.
func (f Frame) ParsePayload(out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	return json.Unmarshal(f.Payload, out)
}

// RegisterPayload binds the socket to a thread.
type RegisterPayload struct {
	ThreadID string `json:"thread_id"`
}

// RegistrationAckPayload confirms a register frame.
type RegistrationAckPayload struct {
	ClientID string `json:"client_id"`
}

// InterruptPayload raises a thread's interrupt flag.
type InterruptPayload struct {
	ThreadID string `json:"thread_id"`
	Reason   string `json:"reason,omitempty"`
}

// ResumePayload clears a thread's interrupt flag with the user's direction.
type ResumePayload struct {
	ThreadID  string `json:"thread_id"`
	UserInput string `json:"user_input,omitempty"`
}

// AckPayload answers interrupt and resume frames.
type AckPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload answers malformed or unroutable frames.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Controller is the engine-side surface the control plane drives. Interrupt
// must return quickly (it only sets a flag); Resume may touch persistence.
type Controller interface {
	Interrupt(ctx context.Context, threadID, reason string) error
	Resume(ctx context.Context, threadID, userInput string) error
}
