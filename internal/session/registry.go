// Package session owns the per-user WhatsApp session lifecycle: the registry
// of live sessions and the connection manager that opens, supervises, and
// tears down transport handles.
package session

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hakancinelii/whatistaspp/internal/transport"
)

// autoConnectDelay spaces out the fire-and-forget reconnects triggered by
// lazy session creation, so a process restart does not open every handshake
// in the same instant.
const autoConnectDelay = 2 * time.Second

// Session is the in-memory record for one user's connection. Client is owned
// exclusively by the session and nil while disconnected. Only the connection
// manager and the event loop it installs mutate a session; both go through
// the registry mutex.
type Session struct {
	UserID      uint
	Client      transport.Client
	PairingCode string // data-URL PNG, empty when none pending
	Connected   bool
	Connecting  bool
	LastAttempt time.Time
}

// Registry maps user IDs to sessions. The composition root owns the single
// instance and injects it everywhere a session is needed; nothing else may
// hold session state. Sessions are created lazily, and creation schedules an
// async auto-connect when credential material already exists on disk, so a
// process restart resumes previously-linked accounts without re-pairing.
type Registry struct {
	mu          sync.Mutex
	sessions    map[uint]*Session
	sessionsDir string
	autoConnect func(userID uint) // set by the manager during wiring
}

// NewRegistry creates a Registry rooted at the credential directory.
func NewRegistry(sessionsDir string) *Registry {
	return &Registry{
		sessions:    make(map[uint]*Session),
		sessionsDir: sessionsDir,
	}
}

// setAutoConnect installs the manager's reconnect hook.
func (r *Registry) setAutoConnect(fn func(userID uint)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoConnect = fn
}

// Get returns the session for userID, creating it if absent. Idempotent.
func (r *Registry) Get(userID uint) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[userID]; ok {
		return s
	}

	s := &Session{UserID: userID}
	r.sessions[userID] = s

	// Credentials on disk but no live session: this process restarted (or
	// is seeing the user for the first time since), so resume the link.
	if r.autoConnect != nil && r.hasCredentials(userID) {
		fn := r.autoConnect
		go func() {
			time.Sleep(autoConnectDelay)
			fn(userID)
		}()
	}
	return s
}

// Range calls fn for every live session. fn must not call back into the
// registry.
func (r *Registry) Range(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		fn(s)
	}
}

// Evict removes a session from the registry. The next Get recreates it.
func (r *Registry) Evict(userID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// CredDir returns the per-user credential directory path.
func (r *Registry) CredDir(userID uint) string {
	return filepath.Join(r.sessionsDir, strconv.FormatUint(uint64(userID), 10))
}

func (r *Registry) hasCredentials(userID uint) bool {
	info, err := os.Stat(r.CredDir(userID))
	return err == nil && info.IsDir()
}

// ResumeAll walks the credential root and touches the session of every user
// with stored credentials, letting lazy creation schedule the reconnects.
func (r *Registry) ResumeAll() {
	entries, err := os.ReadDir(r.sessionsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("session: resume scan: %v", err)
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		r.Get(uint(id))
	}
}
