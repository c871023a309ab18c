// Package wameow implements the transport interfaces on top of the whatsmeow
// multidevice library. All protocol knowledge lives here; the rest of the
// system only sees transport.Event values.
package wameow

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hakancinelii/whatistaspp/internal/transport"
	_ "github.com/mattn/go-sqlite3" // credential store driver
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// eventBuffer sizes the outbound event channel. Events arriving while the
// buffer is full are dropped rather than blocking whatsmeow's dispatcher.
const eventBuffer = 128

// Dialer opens whatsmeow-backed connections, one sqlite credential store per
// user under the credential directory.
type Dialer struct {
	// LogLevel for whatsmeow's internal logger; defaults to "WARN".
	LogLevel string
}

func (d *Dialer) logLevel() string {
	if d.LogLevel == "" {
		return "WARN"
	}
	return d.LogLevel
}

// fallbackWAVersion is pinned when the live version lookup fails. Stale
// versions get the connection rejected during the handshake, so this needs
// the occasional bump.
var fallbackWAVersion = store.WAVersionContainer{2, 3000, 1015901307}

// ResolveVersion fetches the current web client version and pins it for all
// subsequent dials. On lookup failure the hardcoded fallback is pinned
// instead and the error is returned for the caller to log.
func (d *Dialer) ResolveVersion(ctx context.Context) (string, error) {
	ver, err := whatsmeow.GetLatestVersion(ctx, nil)
	if err != nil {
		store.SetWAVersion(fallbackWAVersion)
		return "", fmt.Errorf("wameow: fetch client version: %w", err)
	}
	store.SetWAVersion(*ver)
	return ver.String(), nil
}

// Dial opens the credential store, builds the device client, registers the
// event bridge, and starts the connection. When no device is linked yet the
// QR pairing loop is started and codes are surfaced as PairingEvents.
func (d *Dialer) Dial(ctx context.Context, credDir string) (transport.Client, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(credDir, "whatsapp.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Stdout("wadb", d.logLevel(), false))
	if err != nil {
		return nil, fmt.Errorf("wameow: open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("wameow: load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLog.Stdout("wa", d.logLevel(), false))
	cli.EnableAutoReconnect = true
	cli.AutoTrustIdentity = true

	c := &client{
		cli:       cli,
		container: container,
		events:    make(chan transport.Event, eventBuffer),
	}
	cli.AddEventHandler(c.handleEvent)

	if cli.Store.ID == nil {
		// Never paired: the QR channel must be claimed before Connect.
		qrChan, err := cli.GetQRChannel(ctx)
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("wameow: qr channel: %w", err)
		}
		if err := cli.Connect(); err != nil {
			container.Close()
			return nil, fmt.Errorf("wameow: connect: %w", err)
		}
		go c.pairLoop(qrChan)
		return c, nil
	}

	if err := cli.Connect(); err != nil {
		container.Close()
		return nil, fmt.Errorf("wameow: connect: %w", err)
	}
	return c, nil
}

type client struct {
	cli       *whatsmeow.Client
	container *sqlstore.Container
	events    chan transport.Event

	mu     sync.Mutex
	closed bool
}

func (c *client) Events() <-chan transport.Event { return c.events }

// emit delivers an event without ever blocking whatsmeow's dispatcher; a
// full buffer drops the event.
func (c *client) emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *client) pairLoop(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(transport.PairingEvent{Code: item.Code})
		case whatsmeow.QRChannelEventError:
			c.emit(transport.ClosedEvent{Reason: transport.CloseTransient})
		}
		// Success ends the loop via channel close; Connected arrives through
		// the regular event handler.
	}
}

func (c *client) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		c.emit(transport.ConnectedEvent{})

	case *events.LoggedOut:
		c.emit(transport.ClosedEvent{Reason: transport.CloseLoggedOut})

	case *events.Disconnected, *events.StreamReplaced:
		c.emit(transport.ClosedEvent{Reason: transport.CloseTransient})

	case *events.ConnectFailure:
		c.emit(transport.ClosedEvent{Reason: closeReason(int(evt.Reason))})

	case *events.Message:
		env, ok := c.envelope(evt)
		if !ok {
			return
		}
		// Surface the phone-number/lid pairing so contacts can be
		// de-anonymized later.
		if evt.Info.Sender.Server == types.DefaultUserServer &&
			evt.Info.SenderAlt.Server == types.HiddenUserServer {
			c.emit(transport.ContactEvent{
				JID:      evt.Info.Sender.String(),
				LidJID:   evt.Info.SenderAlt.String(),
				PushName: evt.Info.PushName,
			})
		}
		c.emit(transport.MessageEvent{Envelope: env})

	case *events.Receipt:
		if evt.Type == types.ReceiptTypeRead || evt.Type == types.ReceiptTypeDelivered {
			c.emit(transport.DeliveryEvent{
				Recipient: evt.Chat.String(),
				Read:      evt.Type == types.ReceiptTypeRead,
			})
		}
	}
}

func closeReason(code int) transport.CloseReason {
	switch code {
	case 401:
		return transport.CloseUnauthorized
	case 403:
		return transport.CloseForbidden
	default:
		return transport.CloseTransient
	}
}

// envelope normalizes a whatsmeow message event. Returns false for content
// kinds the pipeline has no use for.
func (c *client) envelope(evt *events.Message) (transport.Envelope, bool) {
	msg := unwrap(evt.Message)
	if msg == nil {
		return transport.Envelope{}, false
	}

	env := transport.Envelope{
		Sender:    evt.Info.Sender.String(),
		Chat:      evt.Info.Chat.String(),
		PushName:  evt.Info.PushName,
		IsGroup:   evt.Info.IsGroup,
		IsFromMe:  evt.Info.IsFromMe,
		IsStatus:  evt.Info.Chat == types.StatusBroadcastJID,
		Timestamp: evt.Info.Timestamp,
	}

	switch {
	case msg.GetConversation() != "":
		env.Kind = transport.ContentText
		env.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		env.Kind = transport.ContentText
		env.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		env.Kind = transport.ContentImage
		env.Text = img.GetCaption()
		env.Media = &transport.MediaRef{Key: img, Mime: img.GetMimetype()}
	case msg.GetAudioMessage() != nil:
		audio := msg.GetAudioMessage()
		env.Kind = transport.ContentAudio
		env.Media = &transport.MediaRef{Key: audio, Mime: audio.GetMimetype()}
	case msg.GetButtonsResponseMessage() != nil:
		env.Kind = transport.ContentButtonReply
		env.Text = msg.GetButtonsResponseMessage().GetSelectedDisplayText()
	case msg.GetListResponseMessage() != nil:
		env.Kind = transport.ContentListReply
		env.Text = msg.GetListResponseMessage().GetTitle()
	default:
		return transport.Envelope{}, false
	}
	return env, true
}

// unwrap peels view-once and ephemeral wrappers off a message.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for i := 0; i < 3 && msg != nil; i++ {
		switch {
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

func (c *client) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("wameow: parse jid %q: %w", to, err)
	}
	_, err = c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (c *client) SendImage(ctx context.Context, to string, data []byte, mime, caption string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("wameow: parse jid %q: %w", to, err)
	}
	up, err := c.cli.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("wameow: upload image: %w", err)
	}
	_, err = c.cli.SendMessage(ctx, jid, &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		},
	})
	return err
}

func (c *client) SendVoice(ctx context.Context, to string, data []byte, mime string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("wameow: parse jid %q: %w", to, err)
	}
	up, err := c.cli.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("wameow: upload voice: %w", err)
	}
	_, err = c.cli.SendMessage(ctx, jid, &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			PTT:           proto.Bool(true),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		},
	})
	return err
}

func (c *client) Download(ctx context.Context, ref transport.MediaRef) ([]byte, error) {
	dl, ok := ref.Key.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("wameow: media ref holds %T, not a downloadable message", ref.Key)
	}
	return c.cli.Download(ctx, dl)
}

func (c *client) GroupName(ctx context.Context, jid string) (string, error) {
	gjid, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("wameow: parse jid %q: %w", jid, err)
	}
	info, err := c.cli.GetGroupInfo(ctx, gjid)
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

func (c *client) ProfilePicture(ctx context.Context, jid string) (string, error) {
	pjid, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("wameow: parse jid %q: %w", jid, err)
	}
	info, err := c.cli.GetProfilePictureInfo(ctx, pjid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil || info == nil {
		return "", err
	}
	return info.URL, nil
}

func (c *client) About(ctx context.Context, jid string) (string, error) {
	pjid, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("wameow: parse jid %q: %w", jid, err)
	}
	resp, err := c.cli.GetUserInfo(ctx, []types.JID{pjid})
	if err != nil {
		return "", err
	}
	if info, ok := resp[pjid]; ok {
		return info.Status, nil
	}
	return "", nil
}

func (c *client) Logout(ctx context.Context) error {
	err := c.cli.Logout(ctx)
	c.Close()
	return err
}

func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cli.Disconnect()
	c.container.Close()
	close(c.events)
	return nil
}
