package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hakancinelii/whatistaspp/internal/config"
	"github.com/hakancinelii/whatistaspp/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB opens an in-memory database with the full schema.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	err = db.AutoMigrate(
		&models.User{},
		&models.Customer{},
		&models.TransferJob{},
		&models.JobInteraction{},
		&models.DriverFilter{},
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// openFileDB opens a file-backed database, so concurrent claimants contend
// on one shared store instead of sqlite's per-connection memory database.
// A single connection serializes statements without masking the race between
// goroutines.
func openFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claims.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(
		&models.User{},
		&models.Customer{},
		&models.TransferJob{},
		&models.JobInteraction{},
		&models.DriverFilter{},
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

type sentText struct {
	UserID uint
	To     string
	Text   string
}

// fakeGateway records sends and simulates per-user connectivity.
type fakeGateway struct {
	mu        sync.Mutex
	connected map[uint]bool
	sent      []sentText

	// connectLinks makes Connect mark the user connected, simulating a
	// successful reconnect.
	connectLinks bool
	sendErr      error
}

func newFakeGateway(connectedUsers ...uint) *fakeGateway {
	g := &fakeGateway{connected: make(map[uint]bool)}
	for _, id := range connectedUsers {
		g.connected[id] = true
	}
	return g
}

func (g *fakeGateway) IsConnected(userID uint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected[userID]
}

func (g *fakeGateway) Connect(ctx context.Context, userID uint, force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connectLinks {
		g.connected[userID] = true
	}
	return nil
}

func (g *fakeGateway) SendText(ctx context.Context, userID uint, to, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, sentText{UserID: userID, To: to, Text: text})
	return nil
}

func (g *fakeGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func dispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		HighRewardMinPrice: 2000,
		RateLimitWindow:    10 * time.Minute,
		RateLimitUser:      3,
		RateLimitAdmin:     20,
	}
}

func seedDriver(t *testing.T, db *gorm.DB, id uint) *models.User {
	t.Helper()
	user := models.User{
		ID:          id,
		Name:        "Ahmet Yılmaz",
		Email:       fmt.Sprintf("driver%d@example.com", id),
		Role:        models.RoleUser,
		Package:     models.PackageDriver,
		DriverPhone: "905001112233",
		DriverPlate: "34ABC123",
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	return &user
}

func seedJob(t *testing.T, db *gorm.DB, capturedBy uint) *models.TransferJob {
	t.Helper()
	job := models.TransferJob{
		UserID:       capturedBy,
		GroupJID:     "120363000000000001@g.us",
		FromLocation: "İHL",
		ToLocation:   "FATİH",
		Price:        "1500",
		Time:         models.TimeReady,
		Phone:        "905321112233",
		RawMessage:   "Hazır ihl fatih 1500, 05321112233",
		Status:       models.JobPending,
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}
	// Age the capture past the suspicious-speed window.
	db.Model(&job).Update("created_at", time.Now().Add(-time.Minute))
	return &job
}

func TestClaim_Success(t *testing.T) {
	db := openTestDB(t)
	seedDriver(t, db, 1)
	seedDriver(t, db, 2)
	job := seedJob(t, db, 1)

	gw := newFakeGateway(2)
	claimer := NewClaimer(db, gw, dispatchConfig())

	result, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 2, JobID: job.ID})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.JobID != job.ID || result.UsingProxy {
		t.Errorf("result = %+v", result)
	}

	// Customer confirmation then group notice, both over the claimant's own
	// session.
	if gw.sentCount() != 2 {
		t.Fatalf("sent %d messages, want 2", gw.sentCount())
	}
	if gw.sent[0].To != job.Phone {
		t.Errorf("first send to %q, want customer %q", gw.sent[0].To, job.Phone)
	}
	if !strings.Contains(gw.sent[0].Text, "Ahmet Yılmaz") || !strings.Contains(gw.sent[0].Text, "34ABC123") {
		t.Errorf("customer message missing driver details: %q", gw.sent[0].Text)
	}
	if gw.sent[1].To != job.GroupJID {
		t.Errorf("second send to %q, want group %q", gw.sent[1].To, job.GroupJID)
	}

	var interaction models.JobInteraction
	if err := db.Where("user_id = ? AND job_id = ?", 2, job.ID).First(&interaction).Error; err != nil {
		t.Fatalf("interaction row: %v", err)
	}
	if interaction.Status != models.InteractionWon {
		t.Errorf("interaction status = %q, want won", interaction.Status)
	}

	var updated models.TransferJob
	db.First(&updated, job.ID)
	if updated.Status != models.JobCalled || updated.CompletedAt == nil {
		t.Errorf("job status = %q completedAt = %v", updated.Status, updated.CompletedAt)
	}
}

func TestClaim_SecondDriverLoses(t *testing.T) {
	db := openTestDB(t)
	seedDriver(t, db, 1)
	seedDriver(t, db, 2)
	seedDriver(t, db, 3)
	job := seedJob(t, db, 1)

	gw := newFakeGateway(2, 3)
	claimer := NewClaimer(db, gw, dispatchConfig())

	if _, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 2, JobID: job.ID}); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	sendsAfterFirst := gw.sentCount()

	_, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 3, JobID: job.ID})
	if !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("second claim err = %v, want ErrAlreadyTaken", err)
	}

	// The loser must fail before any dispatch message goes out.
	if gw.sentCount() != sendsAfterFirst {
		t.Errorf("losing claim sent messages: %d → %d", sendsAfterFirst, gw.sentCount())
	}

	var won int64
	db.Model(&models.JobInteraction{}).
		Where("job_id = ? AND status = ?", job.ID, models.InteractionWon).
		Count(&won)
	if won != 1 {
		t.Errorf("won rows = %d, want exactly 1", won)
	}
}

func TestClaim_ConcurrentClaimantsSingleWinner(t *testing.T) {
	db := openFileDB(t)
	seedDriver(t, db, 1)
	claimants := []uint{2, 3, 4, 5, 6}
	for _, id := range claimants {
		seedDriver(t, db, id)
	}
	job := seedJob(t, db, 1)

	gw := newFakeGateway(claimants...)
	claimer := NewClaimer(db, gw, dispatchConfig())

	errs := make(chan error, len(claimants))
	var wg sync.WaitGroup
	for _, id := range claimants {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			_, err := claimer.Claim(context.Background(), ClaimOpts{UserID: id, JobID: job.ID})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	var wins, losses int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyTaken):
			losses++
		default:
			t.Errorf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || losses != len(claimants)-1 {
		t.Fatalf("wins = %d, losses = %d, want 1 and %d", wins, losses, len(claimants)-1)
	}

	var won int64
	db.Model(&models.JobInteraction{}).
		Where("job_id = ? AND status = ?", job.ID, models.InteractionWon).
		Count(&won)
	if won != 1 {
		t.Fatalf("won rows = %d, want exactly 1", won)
	}
}

func TestClaim_MissingPlate(t *testing.T) {
	db := openTestDB(t)
	user := seedDriver(t, db, 1)
	db.Model(user).Update("driver_plate", "")
	seedDriver(t, db, 2)
	job := seedJob(t, db, 2)

	gw := newFakeGateway(1)
	claimer := NewClaimer(db, gw, dispatchConfig())

	_, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 1, JobID: job.ID})
	if !errors.Is(err, ErrProfileIncomplete) {
		t.Fatalf("err = %v, want ErrProfileIncomplete", err)
	}
	if !strings.Contains(err.Error(), "Plaka") {
		t.Errorf("error %q does not name the missing field", err)
	}

	// Gate failures leave no state behind.
	var count int64
	db.Model(&models.JobInteraction{}).Count(&count)
	if count != 0 {
		t.Errorf("interaction rows = %d, want 0", count)
	}
	if gw.sentCount() != 0 {
		t.Errorf("sent %d messages, want 0", gw.sentCount())
	}
}

func TestClaim_RateLimitAndAging(t *testing.T) {
	db := openTestDB(t)
	seedDriver(t, db, 1)
	seedDriver(t, db, 2)

	gw := newFakeGateway(2)
	cfg := dispatchConfig()
	claimer := NewClaimer(db, gw, cfg)

	// Three wins inside the window exhaust the user cap.
	for i := 0; i < 3; i++ {
		job := seedJob(t, db, 1)
		if _, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 2, JobID: job.ID}); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}

	blocked := seedJob(t, db, 1)
	_, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 2, JobID: blocked.ID})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// Age the wins out of the window; the gate opens again.
	old := time.Now().Add(-cfg.RateLimitWindow - time.Minute)
	db.Model(&models.JobInteraction{}).Where("user_id = ?", 2).Update("created_at", old)

	if _, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 2, JobID: blocked.ID}); err != nil {
		t.Fatalf("claim after aging: %v", err)
	}
}

func TestClaim_ByPhoneLookup(t *testing.T) {
	db := openTestDB(t)
	seedDriver(t, db, 1)
	job := seedJob(t, db, 1)

	gw := newFakeGateway(1)
	claimer := NewClaimer(db, gw, dispatchConfig())

	// Manually-keyed claim: no job id, just the customer's number. The
	// lookup resolves the claimant's own most recent capture.
	result, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 1, Phone: job.Phone})
	if err != nil {
		t.Fatalf("claim by phone: %v", err)
	}
	if result.JobID != job.ID {
		t.Errorf("resolved job %d, want %d", result.JobID, job.ID)
	}
}

func TestClaim_JobNotFound(t *testing.T) {
	db := openTestDB(t)
	seedDriver(t, db, 1)

	claimer := NewClaimer(db, newFakeGateway(1), dispatchConfig())

	_, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 1, JobID: 999})
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
	_, err = claimer.Claim(context.Background(), ClaimOpts{UserID: 1, Phone: "905550000000"})
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("phone lookup err = %v, want ErrJobNotFound", err)
	}
}

func TestClaim_ReconnectCycle(t *testing.T) {
	db := openTestDB(t)
	seedDriver(t, db, 1)
	seedDriver(t, db, 2)
	job := seedJob(t, db, 1)

	gw := newFakeGateway() // nobody connected
	gw.connectLinks = true // but a reconnect succeeds
	claimer := NewClaimer(db, gw, dispatchConfig())

	result, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 2, JobID: job.ID})
	if err != nil {
		t.Fatalf("claim after reconnect: %v", err)
	}
	if result.UsingProxy {
		t.Error("own-session reconnect must not be flagged as proxy")
	}
}

func TestClaim_ProxyDispatch(t *testing.T) {
	db := openTestDB(t)
	admin := models.User{ID: 10, Name: "Yönetici", Email: "admin@example.com", Role: models.RoleAdmin}
	if err := db.Create(&admin).Error; err != nil {
		t.Fatal(err)
	}
	seedDriver(t, db, 1)
	seedDriver(t, db, 2)
	job := seedJob(t, db, 1)

	gw := newFakeGateway(10) // only the admin session is online
	cfg := dispatchConfig()
	cfg.ProxyEnabled = true
	cfg.AdminUserID = 10
	claimer := NewClaimer(db, gw, cfg)

	result, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 2, JobID: job.ID})
	if err != nil {
		t.Fatalf("proxied claim: %v", err)
	}
	if !result.UsingProxy {
		t.Error("expected proxy dispatch")
	}
	if gw.sent[0].UserID != 10 {
		t.Errorf("dispatch went over user=%d, want admin session 10", gw.sent[0].UserID)
	}
	// A proxied group notice must identify the actual driver.
	if !strings.Contains(gw.sent[1].Text, "Ahmet Yılmaz") {
		t.Errorf("proxied group notice missing driver details: %q", gw.sent[1].Text)
	}

	// The win is still recorded for the claimant, not the admin.
	var interaction models.JobInteraction
	if err := db.Where("job_id = ? AND status = ?", job.ID, models.InteractionWon).First(&interaction).Error; err != nil {
		t.Fatal(err)
	}
	if interaction.UserID != 2 {
		t.Errorf("win recorded for user=%d, want claimant 2", interaction.UserID)
	}
}

func TestClaim_CustomerSendFailureIsFatal(t *testing.T) {
	db := openTestDB(t)
	seedDriver(t, db, 1)
	seedDriver(t, db, 2)
	job := seedJob(t, db, 1)

	gw := newFakeGateway(2)
	gw.sendErr = errors.New("stream closed")
	claimer := NewClaimer(db, gw, dispatchConfig())

	_, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 2, JobID: job.ID})
	if err == nil {
		t.Fatal("expected an error when the customer send fails")
	}

	// No win without the customer confirmation.
	var won int64
	db.Model(&models.JobInteraction{}).
		Where("job_id = ? AND status = ?", job.ID, models.InteractionWon).
		Count(&won)
	if won != 0 {
		t.Errorf("won rows = %d, want 0", won)
	}
}

func TestMarkIgnored_ClaimOverwrites(t *testing.T) {
	db := openTestDB(t)
	seedDriver(t, db, 1)
	seedDriver(t, db, 2)
	job := seedJob(t, db, 1)

	gw := newFakeGateway(2)
	claimer := NewClaimer(db, gw, dispatchConfig())

	if err := claimer.MarkIgnored(2, job.ID); err != nil {
		t.Fatalf("mark ignored: %v", err)
	}
	if _, err := claimer.Claim(context.Background(), ClaimOpts{UserID: 2, JobID: job.ID}); err != nil {
		t.Fatalf("claim after ignore: %v", err)
	}

	// Upsert semantics: one row per (user, job), final status wins.
	var rows []models.JobInteraction
	db.Where("user_id = ? AND job_id = ?", 2, job.ID).Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("interaction rows = %d, want 1", len(rows))
	}
	if rows[0].Status != models.InteractionWon {
		t.Errorf("status = %q, want won", rows[0].Status)
	}
}

func TestMarkIgnored_Idempotent(t *testing.T) {
	db := openTestDB(t)
	seedDriver(t, db, 1)
	job := seedJob(t, db, 1)

	claimer := NewClaimer(db, newFakeGateway(), dispatchConfig())
	if err := claimer.MarkIgnored(1, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := claimer.MarkIgnored(1, job.ID); err != nil {
		t.Fatalf("second ignore: %v", err)
	}

	var count int64
	db.Model(&models.JobInteraction{}).Where("user_id = ? AND job_id = ?", 1, job.ID).Count(&count)
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
}
