package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hakancinelii/whatistaspp/internal/config"
	"github.com/hakancinelii/whatistaspp/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// User-correctable claim failures. Messages are shown to the driver verbatim
// by the dashboard layer, so they are written in the product's language.
var (
	ErrUnknownUser       = errors.New("kullanıcı bulunamadı")
	ErrProfileIncomplete = errors.New("profil bilgileri eksik")
	ErrRateLimited       = errors.New("çok fazla iş aldınız, lütfen biraz bekleyin")
	ErrJobNotFound       = errors.New("iş bulunamadı")
	ErrAlreadyTaken      = errors.New("bu iş başka bir sürücü tarafından alındı")
	ErrNotConnected      = errors.New("WhatsApp bağlantısı yok, lütfen yeniden bağlanın")
)

// reconnectWait is how long a claim waits after triggering a reconnect before
// re-checking connectivity.
const reconnectWait = 2 * time.Second

// suspiciousClaimDelay flags claims arriving implausibly fast after capture.
// Detection only; bots are logged, not blocked.
const suspiciousClaimDelay = 500 * time.Millisecond

// Gateway is the slice of the connection manager the claim protocol needs.
type Gateway interface {
	IsConnected(userID uint) bool
	Connect(ctx context.Context, userID uint, force bool) error
	SendText(ctx context.Context, userID uint, to, text string) error
}

// ExternalDriver identifies a driver managed outside the platform, selected
// by an admin when claiming on their behalf. Its details replace the
// claimant profile in dispatch messages.
type ExternalDriver struct {
	Name  string
	Phone string
	Plate string
}

// ClaimOpts parameterizes one claim attempt.
type ClaimOpts struct {
	UserID uint
	JobID  uint
	// Phone supports manually-keyed claims with no job id: the claimant's
	// most recent job in the last 24h matching this phone is used.
	Phone string
	// External is set when an admin claims for an externally-managed driver.
	External *ExternalDriver
}

// ClaimResult reports a successful claim.
type ClaimResult struct {
	JobID      uint
	UsingProxy bool
}

// Claimer runs the claim & dispatch protocol: eligibility gates, the
// transactional winning write, and the customer/group notifications.
type Claimer struct {
	db  *gorm.DB
	gw  Gateway
	cfg config.DispatchConfig
}

// NewClaimer creates a Claimer.
func NewClaimer(db *gorm.DB, gw Gateway, cfg config.DispatchConfig) *Claimer {
	return &Claimer{db: db, gw: gw, cfg: cfg}
}

// Claim attempts to win a job for a driver. Gate failures (steps before the
// dispatch sends) leave no state behind; a send failure to the customer after
// the session was resolved is fatal and reported, while the group notice is
// best-effort.
func (c *Claimer) Claim(ctx context.Context, opts ClaimOpts) (*ClaimResult, error) {
	var user models.User
	if err := c.db.First(&user, opts.UserID).Error; err != nil {
		return nil, fmt.Errorf("%w (id=%d)", ErrUnknownUser, opts.UserID)
	}

	driver := driverDetails(&user, opts.External)

	// Profile gate: dispatch messages quote these fields to the customer.
	// Admins and externally-managed drivers are exempt.
	if !user.IsAdmin() && opts.External == nil {
		var missing []string
		if len(strings.TrimSpace(user.Name)) < 3 {
			missing = append(missing, "İsim")
		}
		if len(strings.TrimSpace(user.DriverPhone)) < 10 {
			missing = append(missing, "Telefon")
		}
		if len(strings.TrimSpace(user.DriverPlate)) < 5 {
			missing = append(missing, "Plaka")
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrProfileIncomplete, strings.Join(missing, ", "))
		}
	}

	if err := c.checkRate(&user); err != nil {
		return nil, err
	}

	job, err := c.loadJob(opts)
	if err != nil {
		return nil, err
	}

	// Anti-bot signal: sub-500ms reaction time is not human. Logged only.
	if elapsed := time.Since(job.CreatedAt); elapsed < suspiciousClaimDelay {
		log.Printf("jobs: claim: suspicious speed user=%d job=%d elapsed=%s", user.ID, job.ID, elapsed)
	}

	// Early already-won check so obviously lost races fail before any send.
	// The authoritative check is repeated inside the winning transaction.
	if taken, err := c.takenByOther(c.db, job.ID, user.ID); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrAlreadyTaken
	}

	customerJID := c.resolveCustomer(job)

	senderID, usingProxy, err := c.resolveSession(ctx, &user, opts.External != nil)
	if err != nil {
		return nil, err
	}

	// Customer confirmation is the contract of the claim; its failure is
	// the caller's problem to surface.
	if customerJID != "" {
		if err := c.gw.SendText(ctx, senderID, customerJID, customerMessage(job, driver)); err != nil {
			return nil, fmt.Errorf("jobs: claim: müşteriye mesaj gönderilemedi: %w", err)
		}
	}

	// Group notice is best-effort: the job is won either way.
	if job.GroupJID != "" {
		if err := c.gw.SendText(ctx, senderID, job.GroupJID, groupNotice(driver, usingProxy || opts.External != nil)); err != nil {
			log.Printf("jobs: claim: group notice failed user=%d job=%d: %v", user.ID, job.ID, err)
		}
	}

	if err := c.recordWin(user.ID, job.ID); err != nil {
		return nil, err
	}

	log.Printf("jobs: claim: won user=%d job=%d proxy=%v", user.ID, job.ID, usingProxy)
	return &ClaimResult{JobID: job.ID, UsingProxy: usingProxy}, nil
}

// checkRate enforces the trailing-window cap on won claims.
func (c *Claimer) checkRate(user *models.User) error {
	limit := c.cfg.RateLimitUser
	if user.IsAdmin() {
		limit = c.cfg.RateLimitAdmin
	}
	since := time.Now().Add(-c.cfg.RateLimitWindow)
	var won int64
	err := c.db.Model(&models.JobInteraction{}).
		Where("user_id = ? AND status = ? AND created_at > ?", user.ID, models.InteractionWon, since).
		Count(&won).Error
	if err != nil {
		return fmt.Errorf("jobs: claim: count interactions: %w", err)
	}
	if won >= int64(limit) {
		return ErrRateLimited
	}
	return nil
}

// loadJob resolves the job by id, or for manually-keyed claims by the
// claimant's most recent capture matching the phone within 24 hours.
func (c *Claimer) loadJob(opts ClaimOpts) (*models.TransferJob, error) {
	var job models.TransferJob
	if opts.JobID != 0 {
		if err := c.db.First(&job, opts.JobID).Error; err != nil {
			return nil, ErrJobNotFound
		}
		return &job, nil
	}
	if opts.Phone == "" {
		return nil, ErrJobNotFound
	}
	err := c.db.Where("user_id = ? AND phone = ? AND created_at > ?",
		opts.UserID, opts.Phone, time.Now().Add(-24*time.Hour)).
		Order("created_at DESC").First(&job).Error
	if err != nil {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

// takenByOther reports whether another user already holds a won interaction
// for the job.
func (c *Claimer) takenByOther(tx *gorm.DB, jobID, userID uint) (bool, error) {
	var count int64
	err := tx.Model(&models.JobInteraction{}).
		Where("job_id = ? AND status = ? AND user_id <> ?", jobID, models.InteractionWon, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("jobs: claim: check winner: %w", err)
	}
	return count > 0, nil
}

// resolveCustomer picks the dispatch target for the confirmation message:
// the job's recorded phone, with a second extraction pass over the raw text
// when that field is empty or junk.
func (c *Claimer) resolveCustomer(job *models.TransferJob) string {
	phone := strings.TrimSpace(job.Phone)
	if len(phone) < 10 {
		if p, _ := extractPhone(job.RawMessage); p != "" {
			phone = p
		}
	}
	return phone
}

// resolveSession picks which account's transport carries the dispatch
// messages: the claimant's own when connected, the admin account when proxy
// dispatch applies, with one reconnect-and-wait cycle before giving up.
func (c *Claimer) resolveSession(ctx context.Context, user *models.User, external bool) (uint, bool, error) {
	if c.gw.IsConnected(user.ID) {
		return user.ID, false, nil
	}

	if (c.cfg.ProxyEnabled || external) && c.cfg.AdminUserID != 0 {
		if c.gw.IsConnected(c.cfg.AdminUserID) {
			return c.cfg.AdminUserID, true, nil
		}
	}

	// One reconnect-and-wait cycle on the claimant's own session.
	if err := c.gw.Connect(ctx, user.ID, false); err != nil {
		log.Printf("jobs: claim: reconnect user=%d: %v", user.ID, err)
	}
	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	case <-time.After(reconnectWait):
	}
	if c.gw.IsConnected(user.ID) {
		return user.ID, false, nil
	}
	return 0, false, ErrNotConnected
}

// recordWin performs the winning write: a transactional re-check of the
// global winner invariant immediately followed by the upsert. This pairing is
// the sole defense against two processes claiming the same job, so nothing
// may run between the check and the write.
func (c *Claimer) recordWin(userID, jobID uint) error {
	err := c.db.Transaction(func(tx *gorm.DB) error {
		if taken, err := c.takenByOther(tx, jobID, userID); err != nil {
			return err
		} else if taken {
			return ErrAlreadyTaken
		}

		interaction := models.JobInteraction{
			UserID: userID,
			JobID:  jobID,
			Status: models.InteractionWon,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "job_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"status": models.InteractionWon}),
		}).Create(&interaction).Error
		if err != nil {
			return fmt.Errorf("jobs: claim: record interaction: %w", err)
		}

		now := time.Now()
		err = tx.Model(&models.TransferJob{}).Where("id = ?", jobID).
			Updates(map[string]interface{}{"status": models.JobCalled, "completed_at": now}).Error
		if err != nil {
			return fmt.Errorf("jobs: claim: update job: %w", err)
		}
		return nil
	})
	return err
}

// MarkIgnored records that a user dismissed a job. Upserts so a later claim
// on the same pair overwrites it.
func (c *Claimer) MarkIgnored(userID, jobID uint) error {
	interaction := models.JobInteraction{
		UserID: userID,
		JobID:  jobID,
		Status: models.InteractionIgnored,
	}
	err := c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "job_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"status": models.InteractionIgnored}),
	}).Create(&interaction).Error
	if err != nil {
		return fmt.Errorf("jobs: mark ignored: %w", err)
	}
	return nil
}

// driverDetails picks the identity quoted in dispatch messages.
func driverDetails(user *models.User, external *ExternalDriver) ExternalDriver {
	if external != nil {
		return *external
	}
	return ExternalDriver{Name: user.Name, Phone: user.DriverPhone, Plate: user.DriverPlate}
}

// customerMessage composes the confirmation sent to the ad owner, quoting
// the original ad (or a synthesized summary for manually-keyed jobs).
func customerMessage(job *models.TransferJob, d ExternalDriver) string {
	quoted := strings.TrimSpace(job.RawMessage)
	if quoted == "" {
		quoted = fmt.Sprintf("%s → %s (%s TL)", job.FromLocation, job.ToLocation, job.Price)
	}
	var b strings.Builder
	b.WriteString("Merhaba, ilanınızdaki transfer işini alıyorum:\n\n")
	b.WriteString("> " + quoted + "\n\n")
	fmt.Fprintf(&b, "Sürücü: %s\nTelefon: %s\nPlaka: %s", d.Name, d.Phone, d.Plate)
	return b.String()
}

// groupNotice composes the short claim notice posted to the source group.
// Proxied and externally-managed claims include the driver's details since
// the sending account is not the driver.
func groupNotice(d ExternalDriver, proxied bool) string {
	if !proxied {
		return "Bu işi alıyorum. 🚗"
	}
	return fmt.Sprintf("Bu iş alınmıştır.\nSürücü: %s / %s / %s", d.Name, d.Phone, d.Plate)
}
