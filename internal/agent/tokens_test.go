package agent

import "testing"

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(\"\") = %d, want 0", got)
	}
	short := EstimateTokens("fix the login handler")
	if short < 3 || short > 10 {
		t.Errorf("EstimateTokens(short prompt) = %d, want a few tokens", short)
	}
	long := EstimateTokens("The worker walks each issue through the phases its policy defines, " +
		"launching one agent session per phase and recording every decision.")
	if long <= short {
		t.Errorf("longer text estimated %d tokens, short %d; want monotone growth", long, short)
	}
}

func TestEstimateFast(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"whitespace only", "   \n\t", 0},
		{"single rune", "x", 1},
		{"word count floor", "a b c d e f", 6},
		{"rune quarter", "abcdefghijklmnopqrstuvwx", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateFast(tt.text); got != tt.want {
				t.Errorf("estimateFast(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}
