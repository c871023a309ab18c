// Package transport abstracts the WhatsApp wire protocol behind a small
// interface. The core orchestration never speaks the protocol itself; it
// dials a Client through a Dialer and consumes a channel of tagged events.
package transport

import (
	"context"
	"time"
)

// JID suffixes used by the network. Bare phone numbers are rewritten to the
// user suffix by the connection manager before sending.
const (
	SuffixUser      = "@s.whatsapp.net"
	SuffixGroup     = "@g.us"
	SuffixLid       = "@lid"
	SuffixBroadcast = "@broadcast"
)

// CloseReason classifies why a connection dropped.
type CloseReason int

const (
	// CloseTransient covers network drops and server restarts; credentials
	// stay valid and a reconnect is expected to succeed.
	CloseTransient CloseReason = iota
	// CloseLoggedOut means the account unlinked this device.
	CloseLoggedOut
	// CloseUnauthorized and CloseForbidden are permanent auth rejections.
	CloseUnauthorized
	CloseForbidden
)

// Fatal reports whether the close reason permanently invalidates the stored
// credential material.
func (r CloseReason) Fatal() bool {
	return r == CloseLoggedOut || r == CloseUnauthorized || r == CloseForbidden
}

// Dialer opens transport connections. CredDir is the per-user credential
// directory; the transport owns its contents, the caller owns its lifecycle.
type Dialer interface {
	Dial(ctx context.Context, credDir string) (Client, error)
}

// Client is a live connection to the messaging network for one account.
type Client interface {
	// Events returns the tagged event stream. The channel is closed when
	// the client is closed or the connection is lost for good.
	Events() <-chan Event

	// SendText delivers a plain text message.
	SendText(ctx context.Context, to, text string) error
	// SendImage delivers an image with an optional caption.
	SendImage(ctx context.Context, to string, data []byte, mime, caption string) error
	// SendVoice delivers an audio payload as a voice note.
	SendVoice(ctx context.Context, to string, data []byte, mime string) error

	// Download fetches the media bytes referenced by an inbound message.
	Download(ctx context.Context, ref MediaRef) ([]byte, error)

	// GroupName resolves the display name of a group JID.
	GroupName(ctx context.Context, jid string) (string, error)
	// ProfilePicture returns the URL of a contact's profile picture.
	ProfilePicture(ctx context.Context, jid string) (string, error)
	// About returns a contact's status/bio text.
	About(ctx context.Context, jid string) (string, error)

	// Logout unlinks the device server-side, then closes.
	Logout(ctx context.Context) error
	// Close tears down the connection without unlinking.
	Close() error
}

// Event is the tagged union delivered by Client.Events. Exactly one of the
// concrete types below is sent per event.
type Event interface{ isEvent() }

// PairingEvent carries a freshly issued QR/pairing payload to display.
type PairingEvent struct {
	Code string
}

// ConnectedEvent signals a completed handshake.
type ConnectedEvent struct{}

// ClosedEvent signals a dropped connection.
type ClosedEvent struct {
	Reason CloseReason
}

// MessageEvent wraps one inbound message envelope.
type MessageEvent struct {
	Envelope Envelope
}

// ContactEvent reports contact metadata pushed by the network, used to keep
// lid aliases current.
type ContactEvent struct {
	JID      string
	LidJID   string
	PushName string
}

// DeliveryEvent reports a delivery/read receipt for a sent message.
type DeliveryEvent struct {
	Recipient string
	Read      bool
}

func (PairingEvent) isEvent()   {}
func (ConnectedEvent) isEvent() {}
func (ClosedEvent) isEvent()    {}
func (MessageEvent) isEvent()   {}
func (ContactEvent) isEvent()   {}
func (DeliveryEvent) isEvent()  {}

// ContentKind discriminates Envelope content, resolved once at the pipeline
// entry instead of re-sniffing optional payload fields at each consumer.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentImage
	ContentAudio
	ContentButtonReply
	ContentListReply
)

// MediaRef is an opaque handle to downloadable media. The transport
// implementation stores whatever it needs in Key.
type MediaRef struct {
	Key  any
	Mime string
}

// Envelope is a normalized inbound message.
type Envelope struct {
	Sender    string // sender JID (may be a @lid alias)
	Chat      string // chat JID (group JID for group traffic)
	PushName  string
	IsGroup   bool
	IsFromMe  bool // echoed message the account itself sent
	IsStatus  bool // status/broadcast-channel traffic
	Kind      ContentKind
	Text      string    // text body or caption, empty if none
	Media     *MediaRef // set for image/audio content
	Timestamp time.Time
}
