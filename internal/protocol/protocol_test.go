package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeBinary(t *testing.T) {
	f := DecodeBinary(EncodeResize(132, 43))
	if f.Kind != KindResize || f.Cols != 132 || f.Rows != 43 {
		t.Errorf("resize frame decoded as %+v", f)
	}

	f = DecodeBinary([]byte("ls -la\r"))
	if f.Kind != KindData || string(f.Data) != "ls -la\r" {
		t.Errorf("data frame decoded as %+v", f)
	}

	// A lone NUL keystroke is input, not a resize.
	f = DecodeBinary([]byte{0x00})
	if f.Kind != KindData {
		t.Errorf("single NUL decoded as %+v", f)
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Frame
	}{
		{"data", `{"type":"data","data":"echo hi\r"}`, Frame{Kind: KindData, Data: []byte("echo hi\r")}},
		{"empty data", `{"type":"data","data":""}`, Frame{Kind: KindData, Data: []byte{}}},
		{"resize", `{"type":"resize","cols":100,"rows":30}`, Frame{Kind: KindResize, Cols: 100, Rows: 30}},
		{"ping", `{"type":"ping","echo":{"t":1}}`, Frame{Kind: KindPing, Echo: json.RawMessage(`{"t":1}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeText([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodeText() error = %v", err)
			}
			if got.Kind != tt.want.Kind || string(got.Data) != string(tt.want.Data) ||
				got.Cols != tt.want.Cols || got.Rows != tt.want.Rows || string(got.Echo) != string(tt.want.Echo) {
				t.Errorf("DecodeText() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeTextMalformedPassesThrough(t *testing.T) {
	for _, payload := range []string{
		"plain typing",
		`{"type":"unknown"}`,
		`{"type":"resize","cols":0,"rows":10}`,
		`{"type":"data"}`,
		`{"type":`,
	} {
		t.Run(payload, func(t *testing.T) {
			f, err := DecodeText([]byte(payload))
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("error = %v, want *TransportError", err)
			}
			if f.Kind != KindData || string(f.Data) != payload {
				t.Errorf("frame = %+v, want raw passthrough", f)
			}
		})
	}
}

func TestServerMessagesDecodeAsUnion(t *testing.T) {
	for _, v := range []any{Ready("p1", "claude", 42), Exit(7), Error("duplicate_pane", "busy"), Pong(nil)} {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		var msg ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		switch msg.Type {
		case KindReady:
			if msg.PaneID != "p1" || msg.Pid != 42 {
				t.Errorf("ready = %+v", msg)
			}
		case KindExit:
			if msg.ExitCode != 7 {
				t.Errorf("exit = %+v", msg)
			}
		case KindError:
			if msg.Code != "duplicate_pane" || msg.Message != "busy" {
				t.Errorf("error = %+v", msg)
			}
		case KindPong:
		default:
			t.Errorf("unexpected type in %s", raw)
		}
	}
}
