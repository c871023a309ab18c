package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockDialer implements Dialer for testing. Each Dial returns a fresh
// MockClient, which the test can retrieve via LastClient.
type MockDialer struct {
	mu      sync.Mutex
	clients []*MockClient
	// DialErr, when set, makes Dial fail.
	DialErr error
}

// NewMockDialer creates a MockDialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{}
}

// Dial returns a new connected MockClient.
func (d *MockDialer) Dial(ctx context.Context, credDir string) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := NewMockClient()
	c.credDir = credDir
	d.clients = append(d.clients, c)
	return c, nil
}

// LastClient returns the most recently dialed client, or nil.
func (d *MockDialer) LastClient() *MockClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

// DialCount returns how many times Dial has been called.
func (d *MockDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// SentRecord captures one outbound send made through a MockClient.
type SentRecord struct {
	To      string
	Text    string
	Kind    string // "text", "image", "voice"
	Data    []byte
	Mime    string
	Caption string
}

// MockClient implements Client for testing. It records sends and lets tests
// inject events via the Emit helpers.
type MockClient struct {
	mu      sync.Mutex
	credDir string
	closed  bool
	events  chan Event
	sent    []SentRecord

	// SendErr, when set, fails every send.
	SendErr error
	// MediaData is returned by Download.
	MediaData []byte
	// PictureURL and AboutText are returned by the profile fetchers.
	PictureURL string
	AboutText  string
	// GroupNames maps group JID to display name for GroupName.
	GroupNames map[string]string
	// LoggedOut records whether Logout was called.
	LoggedOut bool
}

// NewMockClient creates a MockClient with a buffered event channel.
func NewMockClient() *MockClient {
	return &MockClient{
		events:     make(chan Event, 64),
		GroupNames: map[string]string{},
	}
}

// Events returns the injectable event channel.
func (c *MockClient) Events() <-chan Event { return c.events }

// SendText records a text send.
func (c *MockClient) SendText(ctx context.Context, to, text string) error {
	return c.record(SentRecord{To: to, Text: text, Kind: "text"})
}

// SendImage records an image send.
func (c *MockClient) SendImage(ctx context.Context, to string, data []byte, mime, caption string) error {
	return c.record(SentRecord{To: to, Kind: "image", Data: data, Mime: mime, Caption: caption})
}

// SendVoice records a voice send.
func (c *MockClient) SendVoice(ctx context.Context, to string, data []byte, mime string) error {
	return c.record(SentRecord{To: to, Kind: "voice", Data: data, Mime: mime})
}

func (c *MockClient) record(r SentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("mock client: closed")
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, r)
	return nil
}

// Download returns the pre-configured media bytes.
func (c *MockClient) Download(ctx context.Context, ref MediaRef) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MediaData == nil {
		return nil, fmt.Errorf("mock client: no media configured")
	}
	return c.MediaData, nil
}

// GroupName returns the pre-configured group name.
func (c *MockClient) GroupName(ctx context.Context, jid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.GroupNames[jid]; ok {
		return name, nil
	}
	return "", fmt.Errorf("mock client: unknown group %s", jid)
}

// ProfilePicture returns the pre-configured picture URL.
func (c *MockClient) ProfilePicture(ctx context.Context, jid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PictureURL, nil
}

// About returns the pre-configured bio text.
func (c *MockClient) About(ctx context.Context, jid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.AboutText, nil
}

// Logout marks the client logged out and closes it.
func (c *MockClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.LoggedOut = true
	c.mu.Unlock()
	return c.Close()
}

// Close closes the event channel.
func (c *MockClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

// --- Test helpers ---

// EmitConnected injects a ConnectedEvent.
func (c *MockClient) EmitConnected() { c.emit(ConnectedEvent{}) }

// EmitClosed injects a ClosedEvent with the given reason.
func (c *MockClient) EmitClosed(reason CloseReason) { c.emit(ClosedEvent{Reason: reason}) }

// EmitPairing injects a PairingEvent.
func (c *MockClient) EmitPairing(code string) { c.emit(PairingEvent{Code: code}) }

// EmitContact injects a ContactEvent.
func (c *MockClient) EmitContact(jid, lidJID, pushName string) {
	c.emit(ContactEvent{JID: jid, LidJID: lidJID, PushName: pushName})
}

// EmitMessage injects a MessageEvent, stamping the envelope if needed.
func (c *MockClient) EmitMessage(env Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	c.emit(MessageEvent{Envelope: env})
}

func (c *MockClient) emit(ev Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.events <- ev
}

// Sent returns a copy of all recorded sends.
func (c *MockClient) Sent() []SentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentRecord, len(c.sent))
	copy(out, c.sent)
	return out
}

// LastSent returns the most recent send, if any.
func (c *MockClient) LastSent() (SentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return SentRecord{}, false
	}
	return c.sent[len(c.sent)-1], true
}

// SentCount returns the number of recorded sends.
func (c *MockClient) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}
