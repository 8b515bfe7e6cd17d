package responder

import (
	"context"
	"testing"
)

func TestReply_Rules(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		expected  string
	}{
		{"chest pain", "I have chest pain", EmergencyReply},
		{"breathing", "I'm short of BREATH", EmergencyReply},
		{"breathing wins over fever", "fever, headache and trouble breathing", EmergencyReply},
		{"fever and headache", "I have a Fever and a headache", IllnessReply},
		{"fever alone", "I have a fever", DefaultReply},
		{"headache alone", "my headache is bad", DefaultReply},
		{"sore throat", "I've had a sore throat since Monday", ThroatReply},
		{"sore throat with chest", "sore throat and chest tightness", EmergencyReply},
		{"unknown", "I feel tired", DefaultReply},
		{"empty", "", DefaultReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reply(tt.utterance); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestRules_CustomTable(t *testing.T) {
	r := Rules{Table: []Rule{{Name: "rash", AnyOf: [][]string{{"rash"}}, Answer: "rash reply"}}}

	got, err := r.Reply(context.Background(), "I have a RASH")
	if err != nil {
		t.Fatalf("Reply() failed: %v", err)
	}
	if got != "rash reply" {
		t.Errorf("Expected custom answer, got %q", got)
	}

	got, _ = r.Reply(context.Background(), "chest pain")
	if got != DefaultReply {
		t.Errorf("Expected default reply outside custom table, got %q", got)
	}
}

func TestRules_DefaultTable(t *testing.T) {
	got, err := Rules{}.Reply(context.Background(), "sore throat")
	if err != nil {
		t.Fatalf("Reply() failed: %v", err)
	}
	if got != ThroatReply {
		t.Errorf("Expected %q, got %q", ThroatReply, got)
	}
}
