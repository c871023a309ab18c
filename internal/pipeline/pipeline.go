// Package pipeline processes every inbound transport event: filtering,
// text extraction, the dispatch-tier job side channel, media
// materialization, inbox persistence, profile sync, and auto-reply.
package pipeline

import (
	"context"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/hakancinelii/whatistaspp/internal/jobs"
	"github.com/hakancinelii/whatistaspp/internal/media"
	"github.com/hakancinelii/whatistaspp/internal/models"
	"github.com/hakancinelii/whatistaspp/internal/session"
	"github.com/hakancinelii/whatistaspp/internal/transport"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// selfSendWindow is the dedup heuristic for echoed self-sends: an echo with
// a matching system-originated send inside this window is dropped instead of
// re-logged. Best effort; the transport's message ids are not tracked.
const selfSendWindow = 5 * time.Second

// defaultReplyDelay makes auto-replies look typed by a human.
const defaultReplyDelay = 2 * time.Second

// Placeholder captions persisted when media arrives with no text.
const (
	captionVoice = "🎤 Sesli mesaj"
	captionImage = "📷 Fotoğraf"
)

var inviteLinkPattern = regexp.MustCompile(`chat\.whatsapp\.com/([A-Za-z0-9]{10,})`)

// Pipeline wires the inbound message flow. It implements
// session.MessageHandler.
type Pipeline struct {
	db      *gorm.DB
	mgr     *session.Manager
	store   *media.Store
	parser  *jobs.Parser
	matcher *jobs.Matcher

	// ReplyDelay overrides the humanizing auto-reply pause; zero means the
	// default.
	ReplyDelay time.Duration
}

// New creates a Pipeline.
func New(db *gorm.DB, mgr *session.Manager, store *media.Store, parser *jobs.Parser, matcher *jobs.Matcher) *Pipeline {
	return &Pipeline{db: db, mgr: mgr, store: store, parser: parser, matcher: matcher}
}

// HandleMessage runs the pipeline for one envelope. Steps execute strictly
// in order; any filter step returning ends processing for the event.
func (p *Pipeline) HandleMessage(ctx context.Context, userID uint, env transport.Envelope) {
	var user models.User
	if err := p.db.First(&user, userID).Error; err != nil {
		log.Printf("pipeline: unknown user=%d: %v", userID, err)
		return
	}

	// Status/broadcast-channel traffic is never interesting.
	if env.IsStatus || strings.HasSuffix(env.Chat, transport.SuffixBroadcast) {
		return
	}

	// Groups only mean something on the dispatch tier.
	if env.IsGroup && !user.IsDriver() {
		return
	}

	sender := p.resolveSender(userID, env.Sender)

	text := strings.TrimSpace(env.Text)
	if text == "" && env.Media == nil {
		return
	}

	// Dispatch-tier side channel: invite-link discovery and job capture,
	// for group and direct traffic alike. Echoes of the account's own
	// messages never feed the job board.
	if user.IsDriver() && !env.IsFromMe && text != "" {
		p.discoverInvites(userID, env, text)
		p.captureJob(ctx, userID, env, text)
		if env.IsGroup {
			// Group traffic never enters the generic inbox.
			return
		}
	} else if env.IsGroup {
		return
	}

	// Self-sent echo (e.g. sent from the linked phone's native app): keep
	// the inbox coherent, but never auto-reply or parse.
	if env.IsFromMe {
		p.logSelfSend(userID, env, text)
		return
	}

	mediaPath, mediaKind, text := p.materializeMedia(ctx, userID, env, text)

	msg := models.Message{
		UserID:     userID,
		Sender:     sender,
		SenderName: env.PushName,
		Body:       text,
		MediaPath:  mediaPath,
		MediaKind:  mediaKind,
	}
	if err := p.db.Create(&msg).Error; err != nil {
		log.Printf("pipeline: persist message user=%d: %v", userID, err)
		return
	}

	// Profile enrichment is cosmetic; run it off the hot path and swallow
	// everything.
	go p.syncProfile(userID, env.Sender, sender)

	p.autoReply(ctx, &user, sender, text)
}

// resolveSender turns an anonymous linked-id JID back into a stable phone
// number via the contacts store, falling back to the raw id when unknown.
func (p *Pipeline) resolveSender(userID uint, jid string) string {
	if strings.HasSuffix(jid, transport.SuffixLid) {
		var customer models.Customer
		err := p.db.Where("user_id = ? AND lid_alias = ?", userID, jid).First(&customer).Error
		if err == nil && customer.PhoneNumber != "" {
			return customer.PhoneNumber
		}
		return jid
	}
	return session.StripSuffix(jid)
}

// discoverInvites records newly-seen group invitation links. Insert-or-ignore
// keyed by invite code; failures are logged and forgotten.
func (p *Pipeline) discoverInvites(userID uint, env transport.Envelope, text string) {
	for _, m := range inviteLinkPattern.FindAllStringSubmatch(text, -1) {
		group := models.DiscoveredGroup{
			UserID:     userID,
			InviteCode: m[1],
			SourceJID:  env.Chat,
		}
		err := p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&group).Error
		if err != nil {
			log.Printf("pipeline: record invite %s: %v", m[1], err)
		}
	}
}

// captureJob runs the parser and, on success, persists the job and
// immediately evaluates autopilot drivers against it.
func (p *Pipeline) captureJob(ctx context.Context, userID uint, env transport.Envelope, text string) {
	parsed, ok := p.parser.Parse(ctx, text)
	if !ok {
		return
	}

	job := models.TransferJob{
		UserID:       userID,
		SenderJID:    env.Sender,
		FromLocation: parsed.From,
		ToLocation:   parsed.To,
		Price:        parsed.Price,
		Time:         parsed.Time,
		Phone:        parsed.Phone,
		RawMessage:   text,
		Status:       models.JobPending,
		IsHighReward: parsed.HighReward,
		IsSwap:       parsed.Swap,
	}
	if env.IsGroup {
		job.GroupJID = env.Chat
		if client, ok := p.mgr.Client(userID); ok {
			if name, err := client.GroupName(ctx, env.Chat); err == nil {
				job.GroupName = name
			}
		}
	}
	if err := p.db.Create(&job).Error; err != nil {
		log.Printf("pipeline: persist job user=%d: %v", userID, err)
		return
	}
	log.Printf("pipeline: captured job=%d %s", job.ID, parsed)

	if err := p.matcher.RunForJob(ctx, job.ID); err != nil {
		log.Printf("pipeline: automation job=%d: %v", job.ID, err)
	}
}

// logSelfSend records an echoed self-send into the sent log unless a
// matching system-originated send landed within the dedup window.
func (p *Pipeline) logSelfSend(userID uint, env transport.Envelope, text string) {
	recipient := session.NormalizeAddress(session.StripSuffix(env.Chat))
	var recent int64
	p.db.Model(&models.SentMessage{}).
		Where("user_id = ? AND recipient = ? AND body = ? AND created_at > ?",
			userID, recipient, text, time.Now().Add(-selfSendWindow)).
		Count(&recent)
	if recent > 0 {
		return
	}
	if err := p.db.Create(&models.SentMessage{UserID: userID, Recipient: recipient, Body: text}).Error; err != nil {
		log.Printf("pipeline: log self-send user=%d: %v", userID, err)
	}
}

// materializeMedia downloads the attachment, writes it under the uploads
// root, and substitutes a placeholder caption when the message had no text.
func (p *Pipeline) materializeMedia(ctx context.Context, userID uint, env transport.Envelope, text string) (path, kind, body string) {
	body = text
	if env.Media == nil {
		return "", "", body
	}
	client, ok := p.mgr.Client(userID)
	if !ok {
		return "", "", body
	}
	data, err := client.Download(ctx, *env.Media)
	if err != nil {
		log.Printf("pipeline: download media user=%d: %v", userID, err)
		return "", "", body
	}

	switch env.Kind {
	case transport.ContentAudio:
		path, err = p.store.SaveVoice(data)
		kind = models.MediaVoice
		if body == "" {
			body = captionVoice
		}
	case transport.ContentImage:
		path, err = p.store.SaveImage(data)
		kind = models.MediaImage
		if body == "" {
			body = captionImage
		}
	default:
		return "", "", body
	}
	if err != nil {
		log.Printf("pipeline: store media user=%d: %v", userID, err)
		return "", "", body
	}
	return path, kind, body
}

// syncProfile refreshes the sender's cached profile picture and bio.
// Absence of either is not exceptional; every error is swallowed.
func (p *Pipeline) syncProfile(userID uint, jid, phone string) {
	client, ok := p.mgr.Client(userID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updates := map[string]interface{}{}
	if url, err := client.ProfilePicture(ctx, jid); err == nil && url != "" {
		updates["profile_pic_url"] = url
	}
	if about, err := client.About(ctx, jid); err == nil && about != "" {
		updates["about"] = about
	}
	if len(updates) == 0 {
		return
	}
	p.db.Model(&models.Customer{}).
		Where("user_id = ? AND phone_number = ?", userID, phone).
		Updates(updates)
}

// autoReply answers the first matching keyword rule after a humanizing
// delay and charges one credit unless the account is administrative.
func (p *Pipeline) autoReply(ctx context.Context, user *models.User, sender, text string) {
	var rules []models.AutoReply
	if err := p.db.Where("user_id = ? AND active = ?", user.ID, true).Find(&rules).Error; err != nil {
		log.Printf("pipeline: load auto-replies user=%d: %v", user.ID, err)
		return
	}

	lower := strings.ToLower(text)
	for _, rule := range rules {
		if !strings.Contains(lower, strings.ToLower(rule.Keyword)) {
			continue
		}

		delay := p.ReplyDelay
		if delay == 0 {
			delay = defaultReplyDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if !p.mgr.SendMessage(ctx, user.ID, sender, rule.Reply, nil) {
			return
		}
		if !user.IsAdmin() {
			p.db.Model(&models.User{}).Where("id = ?", user.ID).
				Update("credits", gorm.Expr("credits - 1"))
		}
		return
	}
}
