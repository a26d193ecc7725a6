package auth

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// CredentialStore holds hashed API tokens and authorized public keys.
// Pure lookup; no mutable state after construction.
type CredentialStore struct {
	tokenHashes map[string][sha256.Size]byte // username → SHA-256 of the token value
	keys        []authorizedKey
}

type authorizedKey struct {
	username string
	key      ssh.PublicKey
}

// CredentialConfig configures credential loading.
type CredentialConfig struct {
	// TokenSecret seeds the built-in derived tokens for the admin, devops,
	// and user accounts. Empty disables the built-in accounts.
	TokenSecret string
	// TokensFile is an optional file of "username:sha256hex" lines.
	TokensFile string
	// AuthorizedKeysPath is an OpenSSH authorized_keys file.
	AuthorizedKeysPath string
}

// builtinUsers get a derived API token when a token secret is configured.
var builtinUsers = []string{"admin", "devops", "user"}

// LoadCredentials builds the credential store from configuration. Missing
// token and key files are not fatal; the store simply has fewer entries.
func LoadCredentials(cfg CredentialConfig, logger *slog.Logger) (*CredentialStore, error) {
	s := &CredentialStore{
		tokenHashes: make(map[string][sha256.Size]byte),
	}

	if cfg.TokenSecret != "" {
		for _, username := range builtinUsers {
			s.tokenHashes[username] = sha256.Sum256([]byte(DeriveToken(username, cfg.TokenSecret)))
		}
	}

	if cfg.TokensFile != "" {
		if err := s.loadTokensFile(cfg.TokensFile); err != nil {
			return nil, err
		}
	}

	if cfg.AuthorizedKeysPath != "" {
		if err := s.loadAuthorizedKeys(cfg.AuthorizedKeysPath, logger); err != nil {
			logger.Warn("failed to load authorized keys",
				slog.String("path", cfg.AuthorizedKeysPath),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.Info("credential store loaded",
		slog.Int("tokens", len(s.tokenHashes)),
		slog.Int("keys", len(s.keys)),
	)
	return s, nil
}

// DeriveToken computes the built-in API token for a username from the shared
// secret. The derived value is handed to operators out of band; only its
// hash is retained in memory.
func DeriveToken(username, secret string) string {
	sum := sha256.Sum256([]byte(username + "-" + secret))
	return hex.EncodeToString(sum[:])[:32]
}

// loadTokensFile reads "username:sha256hex" lines. Blank lines and lines
// starting with # are skipped.
func (s *CredentialStore) loadTokensFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading tokens file %s: %w", path, err)
	}

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		username, hexHash, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("tokens file %s line %d: expected username:sha256hex", path, i+1)
		}
		raw, err := hex.DecodeString(strings.TrimSpace(hexHash))
		if err != nil || len(raw) != sha256.Size {
			return fmt.Errorf("tokens file %s line %d: invalid SHA-256 hex digest", path, i+1)
		}
		var digest [sha256.Size]byte
		copy(digest[:], raw)
		s.tokenHashes[strings.TrimSpace(username)] = digest
	}
	return nil
}

// loadAuthorizedKeys parses an OpenSSH authorized_keys file. Keys that fail
// to parse are skipped with a warning rather than rejecting the whole file.
func (s *CredentialStore) loadAuthorizedKeys(path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for i, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		key, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
		if err != nil {
			logger.Warn("skipping unparseable authorized key",
				slog.String("path", path),
				slog.Int("line", i+1),
			)
			continue
		}

		username := comment
		if username == "" {
			username = fmt.Sprintf("user_%d", i)
		}
		s.keys = append(s.keys, authorizedKey{username: username, key: key})
	}
	return nil
}

// LookupToken returns the username owning the provided token. The provided
// value is hashed and compared against every stored hash in constant time;
// the loop never exits early, so timing reveals nothing about which entry
// (if any) matched.
func (s *CredentialStore) LookupToken(token string) (string, bool) {
	provided := sha256.Sum256([]byte(token))

	var matched string
	for username, stored := range s.tokenHashes {
		if subtle.ConstantTimeCompare(provided[:], stored[:]) == 1 {
			matched = username
		}
	}
	return matched, matched != ""
}

// LookupKey returns the username owning the provided public key. The
// credential must parse as an SSH public key and match a stored key exactly,
// same algorithm and same wire encoding. Substring or prefix resemblance is
// never a match.
func (s *CredentialStore) LookupKey(credential string) (string, bool) {
	provided, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(credential)))
	if err != nil {
		return "", false
	}
	providedWire := provided.Marshal()

	for _, entry := range s.keys {
		if entry.key.Type() == provided.Type() && bytes.Equal(entry.key.Marshal(), providedWire) {
			return entry.username, true
		}
	}
	return "", false
}
