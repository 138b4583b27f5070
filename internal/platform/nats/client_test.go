package nats

import "testing"

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix, event, want string
	}{
		{"rawrag", EventTurnCompleted, "rawrag.turn.completed"},
		{"", EventDocumentIngested, "document.ingested"},
		{"swarm.rawrag.", EventDocumentIngested, "swarm.rawrag.document.ingested"},
	}
	for _, tt := range tests {
		if got := Subject(tt.prefix, tt.event); got != tt.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tt.prefix, tt.event, got, tt.want)
		}
	}
}
