// Package scheduler drains due scheduled broadcasts on a fixed cron tick and
// delivers them through the session manager with template substitution.
package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hakancinelii/whatistaspp/internal/config"
	"github.com/hakancinelii/whatistaspp/internal/models"
	"github.com/hakancinelii/whatistaspp/internal/session"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Sender delivers one message for a user. The session manager satisfies it;
// tests substitute a recorder.
type Sender interface {
	SendMessage(ctx context.Context, userID uint, to, text string, opts *session.SendOptions) bool
}

// Worker owns the broadcast state machine: pending → processing → sent|failed.
// One Worker runs per process; Start is idempotent.
type Worker struct {
	db     *gorm.DB
	sender Sender
	cfg    config.SchedulerConfig

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewWorker creates a Worker.
func NewWorker(db *gorm.DB, sender Sender, cfg config.SchedulerConfig) *Worker {
	return &Worker{db: db, sender: sender, cfg: cfg}
}

// Start schedules the drain tick. Calling Start on a running worker is a
// no-op, so web-layer handlers can poke it safely.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc("@every "+w.cfg.Interval.String(), func() {
		w.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	c.Start()
	w.cron = c
	w.running = true
	log.Printf("scheduler: started, tick every %s", w.cfg.Interval)
	return nil
}

// Stop halts the tick. Broadcasts mid-flight complete their current batch.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cron.Stop()
	w.running = false
}

// Running reports whether the tick is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce drains every pending broadcast whose scheduled time has passed.
// Each broadcast is processed in isolation; one failing batch never blocks
// the others.
func (w *Worker) RunOnce(ctx context.Context) {
	var due []models.ScheduledBroadcast
	err := w.db.Where("status = ? AND scheduled_at <= ?", models.BroadcastPending, time.Now()).
		Order("scheduled_at").
		Find(&due).Error
	if err != nil {
		log.Printf("scheduler: load due broadcasts: %v", err)
		return
	}

	for i := range due {
		w.process(ctx, &due[i])
	}
}

// process walks one broadcast's recipient list sequentially with the
// configured pause between sends. Any recipient failure marks the whole
// broadcast failed, but earlier sends stand.
func (w *Worker) process(ctx context.Context, b *models.ScheduledBroadcast) {
	// Claim first so a second tick never picks the same batch up.
	res := w.db.Model(&models.ScheduledBroadcast{}).
		Where("id = ? AND status = ?", b.ID, models.BroadcastPending).
		Update("status", models.BroadcastProcessing)
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	var ids []uint
	if err := json.Unmarshal([]byte(b.RecipientIDs), &ids); err != nil {
		log.Printf("scheduler: broadcast=%d bad recipient list: %v", b.ID, err)
		w.finish(b.ID, models.BroadcastFailed)
		return
	}

	var user models.User
	if err := w.db.First(&user, b.UserID).Error; err != nil {
		log.Printf("scheduler: broadcast=%d unknown user=%d: %v", b.ID, b.UserID, err)
		w.finish(b.ID, models.BroadcastFailed)
		return
	}

	status := models.BroadcastSent
	for i, id := range ids {
		var customer models.Customer
		if err := w.db.Where("user_id = ?", b.UserID).First(&customer, id).Error; err != nil {
			log.Printf("scheduler: broadcast=%d recipient=%d not found", b.ID, id)
			status = models.BroadcastFailed
			break
		}

		body := RenderTemplate(b.Template, &customer)
		if !w.sender.SendMessage(ctx, b.UserID, customer.PhoneNumber, body, nil) {
			log.Printf("scheduler: broadcast=%d send to %s failed", b.ID, customer.PhoneNumber)
			status = models.BroadcastFailed
			break
		}

		if !user.IsAdmin() {
			w.db.Model(&models.User{}).Where("id = ?", b.UserID).
				Update("credits", gorm.Expr("credits - 1"))
		}

		if i == len(ids)-1 {
			break
		}
		select {
		case <-ctx.Done():
			status = models.BroadcastFailed
		case <-time.After(w.cfg.SendDelay):
			continue
		}
		break
	}

	w.finish(b.ID, status)
	log.Printf("scheduler: broadcast=%d finished status=%s recipients=%d", b.ID, status, len(ids))
}

func (w *Worker) finish(id uint, status string) {
	if err := w.db.Model(&models.ScheduledBroadcast{}).
		Where("id = ?", id).
		Update("status", status).Error; err != nil {
		log.Printf("scheduler: mark broadcast=%d %s: %v", id, status, err)
	}
}

// RenderTemplate substitutes {name} and any {key} present in the customer's
// additional-data blob. Unknown placeholders pass through untouched.
func RenderTemplate(tmpl string, c *models.Customer) string {
	out := strings.ReplaceAll(tmpl, "{name}", c.Name)

	if c.AdditionalData != "" {
		var extra map[string]string
		if err := json.Unmarshal([]byte(c.AdditionalData), &extra); err == nil {
			for k, v := range extra {
				out = strings.ReplaceAll(out, "{"+k+"}", v)
			}
		}
	}
	return out
}
