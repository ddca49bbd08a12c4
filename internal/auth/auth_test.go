package auth

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/pgrok/pgrok/internal/relay"
)

func testLogger() relay.Logger {
	return relay.NewLogger("test", relay.LogLevelError)
}

func writeCredentialsFile(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write credentials file: %s", err)
	}
	return path
}

func hashFor(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %s", err)
	}
	return string(h)
}

func TestAllowAllAcceptsAnything(t *testing.T) {
	var c AllowAll
	if err := c.Authenticate("anyone", "anything", "whatever"); err != nil {
		t.Fatalf("AllowAll.Authenticate returned %v, want nil", err)
	}
}

func TestFileCheckerAuthenticatesKnownUser(t *testing.T) {
	path := writeCredentialsFile(t, "alice:"+hashFor(t, "hunter2")+":prod-*,staging")

	c, err := NewFileChecker(testLogger(), path)
	if err != nil {
		t.Fatalf("NewFileChecker: %s", err)
	}
	defer c.Close()

	if err := c.Authenticate("alice", "hunter2", "prod-api"); err != nil {
		t.Fatalf("Authenticate(allowed pattern) = %v, want nil", err)
	}
	if err := c.Authenticate("alice", "hunter2", "staging"); err != nil {
		t.Fatalf("Authenticate(exact pattern) = %v, want nil", err)
	}
	if err := c.Authenticate("alice", "hunter2", "dev"); err == nil {
		t.Fatal("Authenticate(disallowed tunnel id) = nil, want error")
	}
	if err := c.Authenticate("alice", "wrong-password", "prod-api"); err == nil {
		t.Fatal("Authenticate(wrong password) = nil, want error")
	}
	if err := c.Authenticate("bob", "hunter2", "prod-api"); err == nil {
		t.Fatal("Authenticate(unknown user) = nil, want error")
	}
}

func TestFileCheckerEmptyPatternListAllowsAnyTunnel(t *testing.T) {
	path := writeCredentialsFile(t, "carol:"+hashFor(t, "s3cret")+":")

	c, err := NewFileChecker(testLogger(), path)
	if err != nil {
		t.Fatalf("NewFileChecker: %s", err)
	}
	defer c.Close()

	if err := c.Authenticate("carol", "s3cret", "anything-goes"); err != nil {
		t.Fatalf("Authenticate = %v, want nil", err)
	}
}

func TestFileCheckerRejectsMalformedLine(t *testing.T) {
	path := writeCredentialsFile(t, "not-a-valid-line")

	if _, err := NewFileChecker(testLogger(), path); err == nil {
		t.Fatal("NewFileChecker with a malformed line = nil error, want error")
	}
}

func TestGlobToRegexpMatchesWildcard(t *testing.T) {
	u := &user{patterns: nil}
	pattern := globToRegexp("team-*")
	re, err := regexp.Compile(pattern)
	if err != nil {
		t.Fatalf("compile %q: %s", pattern, err)
	}
	u.patterns = append(u.patterns, re)

	if !u.allows("team-alpha") {
		t.Error("expected team-alpha to be allowed")
	}
	if u.allows("other") {
		t.Error("expected other to be disallowed")
	}
}
