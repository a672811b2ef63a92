package agent

import "testing"

func TestExtractThinking(t *testing.T) {
	tests := []struct {
		name         string
		structured   string
		text         string
		wantThinking string
		wantClean    string
	}{
		{
			name:         "structured wins over tag",
			structured:   "structured reasoning",
			text:         "<thinking>ignored</thinking>answer",
			wantThinking: "structured reasoning",
			wantClean:    "<thinking>ignored</thinking>answer",
		},
		{
			name:         "leading tag stripped",
			text:         "<thinking>let me check the cache</thinking>Here is the chart.",
			wantThinking: "let me check the cache",
			wantClean:    "Here is the chart.",
		},
		{
			name:         "leading whitespace before tag",
			text:         "  \n<thinking>hmm</thinking>done",
			wantThinking: "hmm",
			wantClean:    "done",
		},
		{
			name:         "mid-text literal untouched",
			text:         "The tag <thinking>foo</thinking> is markup.",
			wantThinking: "",
			wantClean:    "The tag <thinking>foo</thinking> is markup.",
		},
		{
			name:         "no thinking at all",
			text:         "plain answer",
			wantThinking: "",
			wantClean:    "plain answer",
		},
		{
			name:         "multiline thinking",
			text:         "<thinking>line one\nline two</thinking>result",
			wantThinking: "line one\nline two",
			wantClean:    "result",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thinking, clean := extractThinking(tt.structured, tt.text)
			if thinking != tt.wantThinking {
				t.Errorf("thinking = %q, want %q", thinking, tt.wantThinking)
			}
			if clean != tt.wantClean {
				t.Errorf("clean = %q, want %q", clean, tt.wantClean)
			}
		})
	}
}
