// Package protocol defines the frames exchanged over a pane's WebSocket.
//
// Terminal bytes travel as binary messages in both directions. Control
// frames are JSON text messages with a "type" field:
//
//	server→client: ready, exit, error, pong
//	client→server: data, resize, ping
//
// A binary client message of exactly five bytes starting with 0x00 is a
// resize: [0x00, rows_hi, rows_lo, cols_hi, cols_lo].
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Kind names a frame type.
type Kind string

const (
	KindReady  Kind = "ready"
	KindData   Kind = "data"
	KindResize Kind = "resize"
	KindExit   Kind = "exit"
	KindError  Kind = "error"
	KindPing   Kind = "ping"
	KindPong   Kind = "pong"
)

// resizePrefix marks a binary resize message.
const resizePrefix = 0x00

const resizeFrameLength = 5

// Frame is a decoded client→server message.
type Frame struct {
	Kind Kind
	Data []byte
	Cols uint16
	Rows uint16
	// Echo is the optional ping payload returned in the pong.
	Echo json.RawMessage
}

// TransportError reports a malformed control frame. The frame's raw
// payload is still delivered as data.
type TransportError struct {
	Payload []byte
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("malformed control frame (%d bytes): %v", len(e.Payload), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type controlFrame struct {
	Type Kind            `json:"type"`
	Data *string         `json:"data,omitempty"`
	Cols uint16          `json:"cols,omitempty"`
	Rows uint16          `json:"rows,omitempty"`
	Echo json.RawMessage `json:"echo,omitempty"`
}

// DecodeBinary decodes a binary client message.
func DecodeBinary(payload []byte) Frame {
	if len(payload) == resizeFrameLength && payload[0] == resizePrefix {
		rows := binary.BigEndian.Uint16(payload[1:3])
		cols := binary.BigEndian.Uint16(payload[3:5])
		return Frame{Kind: KindResize, Cols: cols, Rows: rows}
	}
	return Frame{Kind: KindData, Data: payload}
}

// DecodeText decodes a text client message. On a *TransportError the
// returned frame carries the raw payload as data.
func DecodeText(payload []byte) (Frame, error) {
	var msg controlFrame
	if err := json.Unmarshal(payload, &msg); err != nil {
		return passthrough(payload, err)
	}

	switch msg.Type {
	case KindData:
		if msg.Data == nil {
			return passthrough(payload, fmt.Errorf("data frame without data"))
		}
		return Frame{Kind: KindData, Data: []byte(*msg.Data)}, nil
	case KindResize:
		if msg.Cols == 0 || msg.Rows == 0 {
			return passthrough(payload, fmt.Errorf("resize frame needs cols and rows"))
		}
		return Frame{Kind: KindResize, Cols: msg.Cols, Rows: msg.Rows}, nil
	case KindPing:
		return Frame{Kind: KindPing, Echo: msg.Echo}, nil
	default:
		return passthrough(payload, fmt.Errorf("unknown frame type %q", msg.Type))
	}
}

func passthrough(payload []byte, err error) (Frame, error) {
	return Frame{Kind: KindData, Data: payload}, &TransportError{Payload: payload, Err: err}
}

// EncodeResize builds a binary resize message.
func EncodeResize(cols, rows uint16) []byte {
	b := make([]byte, resizeFrameLength)
	b[0] = resizePrefix
	binary.BigEndian.PutUint16(b[1:3], rows)
	binary.BigEndian.PutUint16(b[3:5], cols)
	return b
}

// ReadyMessage is sent once the pane is bridged.
type ReadyMessage struct {
	Type   Kind   `json:"type"`
	PaneID string `json:"paneId"`
	Agent  string `json:"agent,omitempty"`
	Pid    int    `json:"pid,omitempty"`
}

// ExitMessage is sent when the process terminates.
type ExitMessage struct {
	Type     Kind `json:"type"`
	ExitCode int  `json:"exitCode"`
}

// ErrorMessage is sent before the server closes a failed connection.
type ErrorMessage struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type Kind            `json:"type"`
	Echo json.RawMessage `json:"echo,omitempty"`
}

func Ready(paneID, agentName string, pid int) ReadyMessage {
	return ReadyMessage{Type: KindReady, PaneID: paneID, Agent: agentName, Pid: pid}
}

func Exit(code int) ExitMessage { return ExitMessage{Type: KindExit, ExitCode: code} }

func Error(code, message string) ErrorMessage {
	return ErrorMessage{Type: KindError, Code: code, Message: message}
}

func Pong(echo json.RawMessage) PongMessage { return PongMessage{Type: KindPong, Echo: echo} }

// ServerMessage is the union of server→client control frames, used by
// clients to dispatch on Type.
type ServerMessage struct {
	Type     Kind   `json:"type"`
	PaneID   string `json:"paneId,omitempty"`
	Agent    string `json:"agent,omitempty"`
	Pid      int    `json:"pid,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	Message  string `json:"message,omitempty"`
	Code     string `json:"code,omitempty"`
}
