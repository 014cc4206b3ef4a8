package config

import (
	"strings"
	"testing"
)

func TestGenerateAccessKey(t *testing.T) {
	key := GenerateAccessKey()
	if len(key) != accessKeyLength {
		t.Errorf("key length = %d, want %d", len(key), accessKeyLength)
	}
	if !strings.HasPrefix(key, accessKeyPrefix) {
		t.Errorf("key %q lacks prefix %q", key, accessKeyPrefix)
	}
	if key == GenerateAccessKey() {
		t.Error("two generated keys are identical")
	}
}

func TestGenerateSecret(t *testing.T) {
	if got := len(GenerateSecret()); got != secretKeyLength {
		t.Errorf("secret length = %d, want %d", got, secretKeyLength)
	}
}

func TestAppendCredentialsRoundTrip(t *testing.T) {
	src := []byte("# Operator accounts. Do not share.\nPGKEXISTING000000000: oldsecret\n")

	out, err := AppendCredentials(src, "PGKNEW00000000000000", "newsecret", "Added by pgplane")
	if err != nil {
		t.Fatalf("AppendCredentials: %v", err)
	}

	creds, err := ParseCredentials(out)
	if err != nil {
		t.Fatalf("ParseCredentials: %v", err)
	}
	if creds["PGKEXISTING000000000"] != "oldsecret" {
		t.Errorf("existing pair lost: %v", creds)
	}
	if creds["PGKNEW00000000000000"] != "newsecret" {
		t.Errorf("new pair missing: %v", creds)
	}

	text := string(out)
	if !strings.Contains(text, "# Operator accounts. Do not share.") {
		t.Errorf("existing comment not preserved:\n%s", text)
	}
	if !strings.Contains(text, "Added by pgplane") {
		t.Errorf("annotation comment missing:\n%s", text)
	}
}

func TestAppendCredentialsEmptyDocument(t *testing.T) {
	out, err := AppendCredentials(nil, "PGKA0000000000000000", "s", "")
	if err != nil {
		t.Fatalf("AppendCredentials: %v", err)
	}
	creds, err := ParseCredentials(out)
	if err != nil {
		t.Fatalf("ParseCredentials: %v", err)
	}
	if creds["PGKA0000000000000000"] != "s" {
		t.Errorf("pair missing from empty document: %v", creds)
	}
}

func TestAppendCredentialsDuplicateKey(t *testing.T) {
	src := []byte("PGKA0000000000000000: s\n")
	if _, err := AppendCredentials(src, "PGKA0000000000000000", "other", ""); err == nil {
		t.Fatal("expected error for duplicate access key")
	}
}

func TestAppendCredentialsRejectsNonMapping(t *testing.T) {
	if _, err := AppendCredentials([]byte("- a\n- b\n"), "k", "s", ""); err == nil {
		t.Fatal("expected error for sequence document")
	}
}
