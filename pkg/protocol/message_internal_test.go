package protocol

import (
	"encoding/json"
	"testing"
)

func TestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    ID
		wantErr bool
	}{
		{"string id", `"42"`, "42", false},
		{"numeric id", `42`, "42", false},
		{"null id", `null`, "", false},
		{"bool id", `true`, "", true},
		{"object id", `{}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ID
			err := got.UnmarshalJSON([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("UnmarshalJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_UnmarshalJSON_HistorySchema(t *testing.T) {
	data := `{"id":5,"from_user_id":3,"to_user_id":4,"content":"old","date":"2024-01-01T00:00:00Z"}`

	var m Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if m.ID != "5" || m.FromUserID != "3" || m.ToUserID != "4" || m.Content != "old" {
		t.Errorf("Unmarshal() = %+v", m)
	}
}

func TestFirstID(t *testing.T) {
	if got := firstID("", "b", "c"); got != "b" {
		t.Errorf("firstID() = %q, want %q", got, "b")
	}
	if got := firstID("", ""); got != "" {
		t.Errorf("firstID() = %q, want empty", got)
	}
}
