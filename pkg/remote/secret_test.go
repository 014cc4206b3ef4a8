package remote

import (
	"fmt"
	"strings"
	"testing"
)

func TestSecretMaskedInLogs(t *testing.T) {
	cmd := argv{"pghelper.sh", "create-masteruser", "postgres", Secret("s3cret")}

	line := cmd.logLine()
	if strings.Contains(line, "s3cret") {
		t.Fatalf("secret leaked into log line: %s", line)
	}
	if !strings.Contains(line, Mask) {
		t.Errorf("log line does not carry the mask: %s", line)
	}

	// fmt verbs must also render the mask, whatever the formatting path.
	if got := fmt.Sprintf("%s %v", Secret("s3cret"), Secret("s3cret")); strings.Contains(got, "s3cret") {
		t.Errorf("secret leaked through fmt: %s", got)
	}
}

func TestSecretDeliveredToProcess(t *testing.T) {
	cmd := argv{"pghelper.sh", "create-masteruser", "postgres", Secret("s3cret")}

	words, err := cmd.words()
	if err != nil {
		t.Fatalf("words: %v", err)
	}
	if words[3] != "s3cret" {
		t.Errorf("real value not delivered to process, got %q", words[3])
	}
}

func TestArgvRejectsUnsupportedTypes(t *testing.T) {
	cmd := argv{"echo", 42}
	if _, err := cmd.words(); err == nil {
		t.Fatal("expected error for non-string argument")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"/usr/local/bin/pghelper.sh", "/usr/local/bin/pghelper.sh"},
		{"", "''"},
		{"two words", "'two words'"},
		{"don't", `'don'\''t'`},
		{"a;rm -rf /", `'a;rm -rf /'`},
	}
	for _, tc := range tests {
		if got := shellQuote(tc.in); got != tc.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
