package speechgate

import "testing"

func TestGate_IsMeaningful(t *testing.T) {
	g := New(DefaultConfig())

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"empty", "", false},
		{"whitespace", "   \t ", false},
		{"single filler", "um", false},
		{"filler phrase", "thank you", false},
		{"filler phrase mixed case", "  Thank You  ", false},
		{"filler with punctuation", "Okay.", false},
		{"all filler tokens", "okay thanks", false},
		{"all filler tokens with punctuation", "Yeah, okay, sure!", false},
		{"real request", "I need help with my invoice", true},
		{"exactly five characters", "hello", true},
		{"four characters", "help", false},
		{"five characters after trimming", "  sales  ", true},
		{"punctuation only", ".....", false},
		{"filler plus content", "um I want sales", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.IsMeaningful(tt.text); got != tt.want {
				t.Errorf("IsMeaningful(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestGate_CustomConfig(t *testing.T) {
	g := New(Config{MinChars: 2, Fillers: []string{"Bonjour"}})

	if g.IsMeaningful("bonjour") {
		t.Error("configured filler should be rejected case-insensitively")
	}
	if !g.IsMeaningful("um") {
		t.Error("default fillers should not apply to a custom config")
	}
	if g.IsMeaningful("a") {
		t.Error("text below MinChars should be rejected")
	}
}

func TestGate_Filter(t *testing.T) {
	g := New(DefaultConfig())

	tests := []struct {
		name     string
		segments []string
		want     string
	}{
		{"nil", nil, ""},
		{"all rejected", []string{"um", " okay ", "yes"}, ""},
		{"keeps order", []string{" I want ", "um", "to talk to sales "}, "I want to talk to sales"},
		{"single", []string{"billing question"}, "billing question"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Filter(tt.segments); got != tt.want {
				t.Errorf("Filter(%q) = %q, want %q", tt.segments, got, tt.want)
			}
		})
	}
}
