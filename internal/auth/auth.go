// Package auth implements the pluggable control-channel authentication
// hook named in spec §4.2 ("Auth hook", Open Question c): a Checker
// decides whether a connecting client may claim a given tunnel id.
//
// Grounded on the teacher's share/user.go (User, ParseAuth, HasAccess)
// and share/server.go (authUser, AddUser/DeleteUser), generalized from
// SSH username/password + allowed-client-IP patterns to HTTP basic auth
// + allowed-tunnel-id patterns, and given a file-backed, hot-reloading
// implementation using fsnotify (declared in the teacher's go.mod but
// unused in the files retrieved from it).
package auth

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"

	"github.com/pgrok/pgrok/internal/relay"
)

// Checker decides whether credentials presented on a control-channel
// upgrade request may claim the given tunnel id.
type Checker interface {
	// Authenticate returns nil if user/pass may claim tunnelID, or a
	// non-nil error (suitable for logging, not for the wire) otherwise.
	Authenticate(user, pass, tunnelID string) error
}

// AllowAll is the default no-op Checker: every request is accepted.
type AllowAll struct{}

func (AllowAll) Authenticate(string, string, string) error { return nil }

// user is one parsed line of the credentials file: name, bcrypt hash,
// and the set of tunnel-id patterns (glob-style, '*' wildcard) this user
// may claim. Grounded on share/user.go's User{Name,Pass,Addrs}.
type user struct {
	name     string
	hash     []byte
	patterns []*regexp.Regexp
}

func (u *user) allows(tunnelID string) bool {
	if len(u.patterns) == 0 {
		return true
	}
	for _, p := range u.patterns {
		if p.MatchString(tunnelID) {
			return true
		}
	}
	return false
}

// FileChecker is a bcrypt-password, file-backed Checker that hot-reloads
// its credentials file on write (grounded on the teacher's reliance on
// fsnotify for config reload, generalized from the auth file the
// teacher's cmd/wstuncli and cmd/wstunsrv read at startup).
type FileChecker struct {
	logger relay.Logger
	path   string

	mu    sync.RWMutex
	users map[string]*user

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileChecker loads path and begins watching it for changes. The
// file format is one user per line: "name:bcrypt-hash:pattern,pattern".
// The pattern list may be empty, meaning the user may claim any tunnel
// id.
func NewFileChecker(logger relay.Logger, path string) (*FileChecker, error) {
	c := &FileChecker{logger: logger, path: path, done: make(chan struct{})}
	if err := c.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("auth: create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("auth: watch %s: %w", path, err)
	}
	c.watcher = w
	go c.watchLoop()
	return c, nil
}

// Close stops watching the credentials file.
func (c *FileChecker) Close() error {
	close(c.done)
	return c.watcher.Close()
}

func (c *FileChecker) watchLoop() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.reload(); err != nil {
				c.logger.WLogf("failed to reload %s: %s", c.path, err)
				continue
			}
			c.logger.ILogf("reloaded credentials from %s", c.path)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.WLogf("watcher error on %s: %s", c.path, err)
		}
	}
}

func (c *FileChecker) reload() error {
	f, err := os.Open(c.path)
	if err != nil {
		return err
	}
	defer f.Close()

	users := make(map[string]*user)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := parseUserLine(line)
		if err != nil {
			return fmt.Errorf("auth: %s: %w", c.path, err)
		}
		users[u.name] = u
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.users = users
	c.mu.Unlock()
	return nil
}

func parseUserLine(line string) (*user, error) {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed line %q: want name:hash[:patterns]", line)
	}
	u := &user{name: parts[0], hash: []byte(parts[1])}
	if len(parts) == 3 && parts[2] != "" {
		for _, raw := range strings.Split(parts[2], ",") {
			pattern := globToRegexp(strings.TrimSpace(raw))
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("bad pattern %q for user %q: %w", raw, u.name, err)
			}
			u.patterns = append(u.patterns, re)
		}
	}
	return u, nil
}

func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		if r == '*' {
			b.WriteString(".*")
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// Authenticate implements Checker.
func (c *FileChecker) Authenticate(name, pass, tunnelID string) error {
	c.mu.RLock()
	u, ok := c.users[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("auth: unknown user %q", name)
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(pass)); err != nil {
		return fmt.Errorf("auth: bad password for user %q", name)
	}
	if !u.allows(tunnelID) {
		return fmt.Errorf("auth: user %q is not permitted to claim tunnel %q", name, tunnelID)
	}
	return nil
}
