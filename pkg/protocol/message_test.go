package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/omochice/toy-chat-client/pkg/protocol"
)

func TestOutboundMessage_Encode(t *testing.T) {
	msg := protocol.OutboundMessage{Content: "hi", ToUserID: "42"}

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	want := `{"type":"message","content":"hi","toUserId":"42"}`
	if string(data) != want {
		t.Errorf("Encode() = %s, want %s", data, want)
	}
}

func TestOutboundTyping_Encode(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.OutboundTyping
		want string
	}{
		{"typing started", protocol.OutboundTyping{ToUserID: "7", IsTyping: true}, `{"type":"typing","toUserId":"7","isTyping":true}`},
		{"typing stopped", protocol.OutboundTyping{ToUserID: "7"}, `{"type":"typing","toUserId":"7","isTyping":false}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Encode() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	date := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		data string
		want protocol.Event
	}{
		{
			name: "decode message frame",
			data: `{"type":"message","fromUserId":"42","toUserId":"1","content":"hello","date":"2024-03-01T10:30:00.000Z","id":"m1"}`,
			want: protocol.ChatMessage{
				Kind:    protocol.FrameMessage,
				Message: protocol.Message{ID: "m1", FromUserID: "42", ToUserID: "1", Content: "hello", Date: date},
			},
		},
		{
			name: "decode sent echo without id",
			data: `{"type":"sent","fromUserId":"1","toUserId":"42","content":"yo","date":"2024-03-01T10:30:00Z"}`,
			want: protocol.ChatMessage{
				Kind:    protocol.FrameSent,
				Message: protocol.Message{FromUserID: "1", ToUserID: "42", Content: "yo", Date: date},
			},
		},
		{
			name: "decode numeric ids",
			data: `{"type":"message","fromUserId":42,"toUserId":1,"content":"n","date":"2024-03-01T10:30:00Z","id":99}`,
			want: protocol.ChatMessage{
				Kind:    protocol.FrameMessage,
				Message: protocol.Message{ID: "99", FromUserID: "42", ToUserID: "1", Content: "n", Date: date},
			},
		},
		{
			name: "decode typing frame",
			data: `{"type":"typing","fromUserId":"42","isTyping":true}`,
			want: protocol.Typing{FromUserID: "42", IsTyping: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.Decode([]byte(tt.data))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			switch want := tt.want.(type) {
			case protocol.ChatMessage:
				m, ok := got.(protocol.ChatMessage)
				if !ok {
					t.Fatalf("Decode() = %T, want ChatMessage", got)
				}
				if m.Kind != want.Kind || m.ID != want.ID || m.FromUserID != want.FromUserID ||
					m.ToUserID != want.ToUserID || m.Content != want.Content || !m.Date.Equal(want.Date) {
					t.Errorf("Decode() = %+v, want %+v", m, want)
				}
			case protocol.Typing:
				if got != want {
					t.Errorf("Decode() = %+v, want %+v", got, want)
				}
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"not json", `hello`, nil},
		{"unknown type", `{"type":"presence","fromUserId":"1"}`, protocol.ErrUnknownFrame},
		{"missing type", `{"fromUserId":"1"}`, protocol.ErrUnknownFrame},
		{"message without recipient", `{"type":"message","fromUserId":"1","content":"x"}`, protocol.ErrMalformedFrame},
		{"typing without state", `{"type":"typing","fromUserId":"1"}`, protocol.ErrMalformedFrame},
		{"bad id", `{"type":"message","fromUserId":true,"toUserId":"2"}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := protocol.Decode([]byte(tt.data))
			if err == nil {
				t.Fatalf("Decode() = %+v, want error", ev)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecode_LenientDates(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		date string
		want time.Time
	}{
		{"rfc3339", `"2024-03-01T10:00:00Z"`, want},
		{"no zone", `"2024-03-01T10:00:00"`, want},
		{"compact offset", `"2024-03-01T10:00:00.000+0000"`, want},
		{"space separator", `"2024-03-01 10:00:00"`, want},
		{"space separator with offset", `"2024-03-01 19:00:00+09:00"`, want},
		{"unix seconds", `1709287200`, want},
		{"unparseable", `"yesterday"`, time.Time{}},
		{"null", `null`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := `{"type":"message","fromUserId":"1","toUserId":"2","content":"x","date":` + tt.date + `}`
			ev, err := protocol.Decode([]byte(data))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			m, ok := ev.(protocol.ChatMessage)
			if !ok {
				t.Fatalf("Decode() = %T, want ChatMessage", ev)
			}
			if m.Content != "x" {
				t.Errorf("Content = %q, want %q", m.Content, "x")
			}
			if !m.Date.Equal(tt.want) {
				t.Errorf("Date = %v, want %v", m.Date, tt.want)
			}
		})
	}
}

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	var v struct {
		Date protocol.Timestamp `json:"date"`
	}
	if err := json.Unmarshal([]byte(`{"date":"2024-03-01 10:00:00"}`), &v); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC); !v.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", v.Date.Time, want)
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if want := `{"date":"2024-03-01T10:00:00Z"}`; string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}
}

func TestFrameType_String(t *testing.T) {
	tests := []struct {
		name string
		ft   protocol.FrameType
		want string
	}{
		{"message type", protocol.FrameMessage, "message"},
		{"typing type", protocol.FrameTyping, "typing"},
		{"sent type", protocol.FrameSent, "sent"},
		{"other type", protocol.FrameType("presence"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ft.String(); got != tt.want {
				t.Errorf("FrameType.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
