package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/hakancinelii/whatistaspp/internal/models"
	"github.com/hakancinelii/whatistaspp/internal/transport"
	qrcode "github.com/skip2/go-qrcode"
	"gorm.io/gorm"
)

// connectCooldown suppresses duplicate concurrent handshakes: a second
// Connect within this window of an in-flight attempt is a no-op unless
// forced. This is an application-level cooldown, not a cancellation.
const connectCooldown = 15 * time.Second

// Versioner is an optional Dialer capability: resolving the current wire
// protocol version over the network and pinning it for subsequent dials.
// Resolution failures are logged, not fatal; the dialer falls back to a
// pinned version of its own.
type Versioner interface {
	ResolveVersion(ctx context.Context) (string, error)
}

// MessageHandler consumes inbound message envelopes. The pipeline implements
// it; the manager stays ignorant of what happens to a message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, userID uint, env transport.Envelope)
}

// SendOptions selects a non-text payload shape for SendMessage.
type SendOptions struct {
	ImageData []byte
	ImageMime string
	VoiceData []byte
	VoiceMime string
}

// Transcoder converts raw audio into the network's voice codec. It must
// degrade gracefully: on failure it returns the original bytes and a generic
// mime type.
type Transcoder interface {
	TranscodeVoice(ctx context.Context, data []byte) ([]byte, string)
}

// Manager is the connection manager: it opens and closes transport handles,
// owns the credential directory lifecycle, mirrors connection state into the
// users table, and exposes the send primitive everything else uses.
type Manager struct {
	db        *gorm.DB
	reg       *Registry
	dialer    transport.Dialer
	transcode Transcoder

	mu      sync.Mutex
	handler MessageHandler
}

// NewManager creates a Manager and wires the registry's auto-connect hook.
func NewManager(db *gorm.DB, reg *Registry, dialer transport.Dialer, transcode Transcoder) *Manager {
	m := &Manager{db: db, reg: reg, dialer: dialer, transcode: transcode}
	reg.setAutoConnect(func(userID uint) {
		if err := m.Connect(context.Background(), userID, false); err != nil {
			log.Printf("session: auto-connect user=%d: %v", userID, err)
		}
	})
	return m
}

// SetHandler installs the inbound message consumer. Must be called before
// the first Connect.
func (m *Manager) SetHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Connect opens (or refreshes) the transport connection for a user.
//
// Already connected and not forced: nothing to do; the event loop owns the
// live handle. An attempt already in flight and younger than the cooldown:
// no-op, preventing pairing-code storms. Otherwise a fresh handle is dialed
// after tearing down any previous one.
func (m *Manager) Connect(ctx context.Context, userID uint, force bool) error {
	s := m.reg.Get(userID)

	m.mu.Lock()
	if s.Connected && !force {
		m.mu.Unlock()
		return nil
	}
	if s.Connecting && time.Since(s.LastAttempt) < connectCooldown && !force {
		m.mu.Unlock()
		return nil
	}
	s.Connecting = true
	s.LastAttempt = time.Now()
	s.PairingCode = ""
	prev := s.Client
	s.Client = nil
	m.mu.Unlock()

	m.mirror(userID, func(u map[string]interface{}) {
		u["wa_pairing_code"] = ""
	})

	if prev != nil {
		prev.Close()
	}

	credDir := m.reg.CredDir(userID)
	if err := os.MkdirAll(credDir, 0o755); err != nil {
		m.clearConnecting(s)
		return fmt.Errorf("session: create credential dir: %w", err)
	}

	// Best-effort protocol version pin; never block startup on it.
	if v, ok := m.dialer.(Versioner); ok {
		if ver, err := v.ResolveVersion(ctx); err != nil {
			log.Printf("session: version fetch failed, dialing with fallback: %v", err)
		} else {
			log.Printf("session: protocol version %s", ver)
		}
	}

	client, err := m.dialer.Dial(ctx, credDir)
	if err != nil {
		m.clearConnecting(s)
		return fmt.Errorf("session: dial user=%d: %w", userID, err)
	}

	m.mu.Lock()
	s.Client = client
	m.mu.Unlock()

	go m.eventLoop(userID, s, client)
	return nil
}

// Disconnect is the explicit, user-initiated teardown: unlink the device,
// close the handle, delete credentials, and evict the session. Irreversible
// without re-pairing; transient closes never come through here.
func (m *Manager) Disconnect(ctx context.Context, userID uint) error {
	s := m.reg.Get(userID)

	m.mu.Lock()
	client := s.Client
	s.Client = nil
	s.Connected = false
	s.Connecting = false
	s.PairingCode = ""
	m.mu.Unlock()

	if client != nil {
		if err := client.Logout(ctx); err != nil {
			log.Printf("session: logout user=%d: %v", userID, err)
			client.Close()
		}
	}

	if err := os.RemoveAll(m.reg.CredDir(userID)); err != nil {
		log.Printf("session: remove credentials user=%d: %v", userID, err)
	}
	m.reg.Evict(userID)
	m.mirror(userID, func(u map[string]interface{}) {
		u["wa_connected"] = false
		u["wa_pairing_code"] = ""
	})
	return nil
}

// IsConnected reports whether the user's session holds an open connection.
func (m *Manager) IsConnected(userID uint) bool {
	s := m.reg.Get(userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.Connected && s.Client != nil
}

// PairingCode returns the pending pairing payload, if any.
func (m *Manager) PairingCode(userID uint) string {
	s := m.reg.Get(userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.PairingCode
}

// Client returns the live transport client for a user, for consumers that
// need direct fetch operations (media download, profile sync).
func (m *Manager) Client(userID uint) (transport.Client, bool) {
	s := m.reg.Get(userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.Connected || s.Client == nil {
		return nil, false
	}
	return s.Client, true
}

// SendMessage delivers text, voice, or image payloads for a user. Returns
// false when the session is not connected or the send fails; failures are
// logged, not raised, because most callers treat sending as best-effort.
func (m *Manager) SendMessage(ctx context.Context, userID uint, to, text string, opts *SendOptions) bool {
	if err := m.send(ctx, userID, to, text, opts); err != nil {
		log.Printf("session: send user=%d to=%s: %v", userID, to, err)
		return false
	}
	return true
}

// SendText is the error-returning send used by the claim protocol, where a
// failed customer notice must surface to the caller.
func (m *Manager) SendText(ctx context.Context, userID uint, to, text string) error {
	return m.send(ctx, userID, to, text, nil)
}

func (m *Manager) send(ctx context.Context, userID uint, to, text string, opts *SendOptions) error {
	client, ok := m.Client(userID)
	if !ok {
		return fmt.Errorf("session: user=%d not connected", userID)
	}

	addr := NormalizeAddress(to)

	var err error
	switch {
	case opts != nil && len(opts.VoiceData) > 0:
		data, mime := opts.VoiceData, opts.VoiceMime
		if m.transcode != nil {
			data, mime = m.transcode.TranscodeVoice(ctx, data)
		}
		err = client.SendVoice(ctx, addr, data, mime)
	case opts != nil && len(opts.ImageData) > 0:
		err = client.SendImage(ctx, addr, opts.ImageData, opts.ImageMime, text)
	default:
		err = client.SendText(ctx, addr, text)
	}
	if err != nil {
		return err
	}

	if dbErr := m.db.Create(&models.SentMessage{
		UserID:    userID,
		Recipient: addr,
		Body:      text,
	}).Error; dbErr != nil {
		log.Printf("session: log sent message user=%d: %v", userID, dbErr)
	}
	return nil
}

// eventLoop consumes the transport's event stream for one session until the
// channel closes. It is the only writer of connection state after Connect.
func (m *Manager) eventLoop(userID uint, s *Session, client transport.Client) {
	ctx := context.Background()
	for ev := range client.Events() {
		switch e := ev.(type) {
		case transport.PairingEvent:
			m.handlePairing(userID, s, e.Code)

		case transport.ConnectedEvent:
			m.mu.Lock()
			s.Connected = true
			s.Connecting = false
			s.PairingCode = ""
			// The transport reconnects on its own after transient drops;
			// bind the handle again so sends resume.
			s.Client = client
			m.mu.Unlock()
			now := time.Now()
			m.mirror(userID, func(u map[string]interface{}) {
				u["wa_connected"] = true
				u["wa_connected_at"] = now
				u["wa_pairing_code"] = ""
			})
			log.Printf("session: connected user=%d", userID)

		case transport.ClosedEvent:
			m.mu.Lock()
			s.Connected = false
			s.Connecting = false
			s.PairingCode = ""
			// Only a fatal close severs the handle; a transient one keeps it
			// bound for the transport's own reconnect.
			if e.Reason.Fatal() && s.Client == client {
				s.Client = nil
			}
			m.mu.Unlock()
			m.mirror(userID, func(u map[string]interface{}) {
				u["wa_connected"] = false
				u["wa_pairing_code"] = ""
			})
			if e.Reason.Fatal() {
				// Credentials are dead; force a fresh pairing next time.
				log.Printf("session: fatal close user=%d reason=%d, purging credentials", userID, e.Reason)
				if err := os.RemoveAll(m.reg.CredDir(userID)); err != nil {
					log.Printf("session: purge credentials user=%d: %v", userID, err)
				}
				m.reg.Evict(userID)
				client.Close()
				return
			}
			log.Printf("session: transient close user=%d, awaiting reconnect", userID)

		case transport.MessageEvent:
			m.mu.Lock()
			h := m.handler
			m.mu.Unlock()
			if h != nil {
				h.HandleMessage(ctx, userID, e.Envelope)
			}

		case transport.ContactEvent:
			m.syncContactAlias(userID, e)

		case transport.DeliveryEvent:
			log.Printf("session: delivery user=%d to=%s read=%v", userID, e.Recipient, e.Read)
		}
	}
}

// handlePairing renders the pairing payload to a displayable PNG data URL
// and mirrors it for the dashboard to poll.
func (m *Manager) handlePairing(userID uint, s *Session, code string) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	rendered := code
	if err != nil {
		log.Printf("session: render pairing code user=%d: %v", userID, err)
	} else {
		rendered = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}

	m.mu.Lock()
	s.PairingCode = rendered
	m.mu.Unlock()
	m.mirror(userID, func(u map[string]interface{}) {
		u["wa_pairing_code"] = rendered
	})
	log.Printf("session: pairing code issued user=%d", userID)
}

// syncContactAlias records the lid alias the network pushed for a contact.
func (m *Manager) syncContactAlias(userID uint, e transport.ContactEvent) {
	if e.LidJID == "" {
		return
	}
	phone := StripSuffix(e.JID)
	err := m.db.Model(&models.Customer{}).
		Where("user_id = ? AND phone_number = ?", userID, phone).
		Update("lid_alias", e.LidJID).Error
	if err != nil {
		log.Printf("session: sync lid alias user=%d: %v", userID, err)
	}
}

// clearConnecting resets the connecting flag after a failed attempt, leaving
// the session recoverable for a future retry.
func (m *Manager) clearConnecting(s *Session) {
	m.mu.Lock()
	s.Connecting = false
	m.mu.Unlock()
}

// mirror applies a field update to the user's row. Connection state in the
// durable store is what other processes (dashboard requests) read.
func (m *Manager) mirror(userID uint, fn func(map[string]interface{})) {
	updates := map[string]interface{}{}
	fn(updates)
	if err := m.db.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
		log.Printf("session: mirror state user=%d: %v", userID, err)
	}
}
