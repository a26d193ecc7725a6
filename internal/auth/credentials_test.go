package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

// generateAuthorizedKey returns an authorized_keys line for a fresh ed25519
// key, with the username as its comment.
func generateAuthorizedKey(t *testing.T, username string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	line := string(ssh.MarshalAuthorizedKey(sshPub))
	// MarshalAuthorizedKey appends a newline; splice the comment in before it.
	return fmt.Sprintf("%s %s\n", line[:len(line)-1], username)
}

func TestDeriveToken_Deterministic(t *testing.T) {
	a := DeriveToken("admin", "secret")
	b := DeriveToken("admin", "secret")
	if a != b {
		t.Errorf("DeriveToken not deterministic: %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Errorf("token length = %d, want 32", len(a))
	}
	if DeriveToken("admin", "other") == a {
		t.Error("different secrets produced the same token")
	}
	if DeriveToken("devops", "secret") == a {
		t.Error("different usernames produced the same token")
	}
}

func TestLookupToken(t *testing.T) {
	store, err := LoadCredentials(CredentialConfig{TokenSecret: "secret"}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	username, ok := store.LookupToken(DeriveToken("devops", "secret"))
	if !ok || username != "devops" {
		t.Errorf("LookupToken = (%q, %v), want (devops, true)", username, ok)
	}

	if _, ok := store.LookupToken("wrong"); ok {
		t.Error("wrong token matched")
	}
	if _, ok := store.LookupToken(""); ok {
		t.Error("empty token matched")
	}
	// A prefix of a valid token is not a valid token.
	valid := DeriveToken("admin", "secret")
	if _, ok := store.LookupToken(valid[:len(valid)-1]); ok {
		t.Error("token prefix matched")
	}
}

func TestLoadCredentials_TokensFile(t *testing.T) {
	token := "file-user-token"
	digest := sha256.Sum256([]byte(token))
	path := filepath.Join(t.TempDir(), "tokens")
	content := fmt.Sprintf("# comment line\n\nalice:%s\n", hex.EncodeToString(digest[:]))
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	store, err := LoadCredentials(CredentialConfig{TokensFile: path}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	username, ok := store.LookupToken(token)
	if !ok || username != "alice" {
		t.Errorf("LookupToken = (%q, %v), want (alice, true)", username, ok)
	}
}

func TestLoadCredentials_TokensFileMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing separator", "alice\n"},
		{"bad hex", "alice:zzzz\n"},
		{"short digest", "alice:abcd\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tokens")
			if err := os.WriteFile(path, []byte(tc.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadCredentials(CredentialConfig{TokensFile: path}, discardLogger()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLookupKey(t *testing.T) {
	bobLine := generateAuthorizedKey(t, "bob")
	caroLine := generateAuthorizedKey(t, "caro")

	path := filepath.Join(t.TempDir(), "authorized_keys")
	if err := os.WriteFile(path, []byte("# keys\n"+bobLine+caroLine), 0600); err != nil {
		t.Fatal(err)
	}

	store, err := LoadCredentials(CredentialConfig{AuthorizedKeysPath: path}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	username, ok := store.LookupKey(bobLine)
	if !ok || username != "bob" {
		t.Errorf("LookupKey = (%q, %v), want (bob, true)", username, ok)
	}
	username, ok = store.LookupKey(caroLine)
	if !ok || username != "caro" {
		t.Errorf("LookupKey = (%q, %v), want (caro, true)", username, ok)
	}
}

func TestLookupKey_ExactMatchOnly(t *testing.T) {
	authorized := generateAuthorizedKey(t, "bob")
	path := filepath.Join(t.TempDir(), "authorized_keys")
	if err := os.WriteFile(path, []byte(authorized), 0600); err != nil {
		t.Fatal(err)
	}

	store, err := LoadCredentials(CredentialConfig{AuthorizedKeysPath: path}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	// A different key of the same type must not match.
	other := generateAuthorizedKey(t, "bob")
	if _, ok := store.LookupKey(other); ok {
		t.Error("unauthorized key matched")
	}
	// Credentials that do not parse as public keys never match.
	if _, ok := store.LookupKey("ssh-ed25519 AAAA bob"); ok {
		t.Error("unparseable key matched")
	}
	if _, ok := store.LookupKey(""); ok {
		t.Error("empty credential matched")
	}
}

func TestLoadCredentials_SkipsUnparseableKeys(t *testing.T) {
	good := generateAuthorizedKey(t, "bob")
	path := filepath.Join(t.TempDir(), "authorized_keys")
	content := "not an ssh key at all\n" + good
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	store, err := LoadCredentials(CredentialConfig{AuthorizedKeysPath: path}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.LookupKey(good); !ok {
		t.Error("valid key not loaded alongside the bad line")
	}
}
