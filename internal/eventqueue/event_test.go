package eventqueue

import (
	"strings"
	"testing"
)

func TestEvent_EncodeDecode(t *testing.T) {
	in := Event{
		Kind:      KindStatusUpdate,
		TaskID:    "task-1",
		ContextID: "ctx-1",
		State:     StateWorking,
		Text:      "halfway",
		Metadata:  map[string]any{"step": "2"},
	}

	data, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode() unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"kind":"status-update"`) {
		t.Errorf("Encode() = %s, want kind field", data)
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	if out.TaskID != in.TaskID || out.State != in.State || out.Text != in.Text {
		t.Errorf("Decode() = %+v, want %+v", out, in)
	}
	if out.Metadata["step"] != "2" {
		t.Errorf("Decode() metadata = %v, want step=2", out.Metadata)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "not-json"},
		{name: "empty object", payload: "{}"},
		{name: "unknown kind", payload: `{"kind":"gossip"}`},
		{name: "unknown state", payload: `{"kind":"task","state":"sleeping"}`},
		{name: "empty", payload: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.payload)); err == nil {
				t.Errorf("Decode(%q) expected error but got none", tt.payload)
			}
		})
	}
}

func TestEvent_Encode_Invalid(t *testing.T) {
	if _, err := (Event{}).Encode(); err == nil {
		t.Error("Encode() expected error for event without kind")
	}
}

func TestEvent_IsFinal(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{name: "message", event: Event{Kind: KindMessage}, want: true},
		{name: "working status", event: StatusUpdate("t", StateWorking, ""), want: false},
		{name: "completed status", event: StatusUpdate("t", StateCompleted, ""), want: true},
		{name: "final flag", event: Event{Kind: KindStatusUpdate, State: StateInputRequired, Final: true}, want: true},
		{name: "task submitted", event: Event{Kind: KindTask, State: StateSubmitted}, want: false},
		{name: "task failed", event: Event{Kind: KindTask, State: StateFailed}, want: true},
		{name: "artifact", event: Event{Kind: KindArtifactUpdate}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.IsFinal(); got != tt.want {
				t.Errorf("IsFinal() = %v, want %v", got, tt.want)
			}
		})
	}
}
