package jobs

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"

	"github.com/hakancinelii/whatistaspp/internal/models"
	"gorm.io/gorm"
)

// Vehicle keyword groups scanned in the job's concatenated text fields.
var (
	minibusWords = []string{"minibüs", "vito", "transporter", "caravelle", "14+1", "8+1"}
	vipWords     = []string{"vip", "maybach", "v-class", "vclass"}
)

// Matcher evaluates autopilot driver filters against freshly captured jobs
// and claims on the first match. Only one claim attempt runs per evaluation
// pass; a job has at most one winner, so further candidates could only lose.
type Matcher struct {
	db      *gorm.DB
	claimer *Claimer
}

// NewMatcher creates a Matcher.
func NewMatcher(db *gorm.DB, claimer *Claimer) *Matcher {
	return &Matcher{db: db, claimer: claimer}
}

// RunForJob evaluates every autopilot filter against the job and invokes the
// claim protocol for the first driver whose filter matches a still-unclaimed
// job. Evaluation stops after the first claim attempt either way.
func (m *Matcher) RunForJob(ctx context.Context, jobID uint) error {
	var job models.TransferJob
	if err := m.db.First(&job, jobID).Error; err != nil {
		return ErrJobNotFound
	}

	var filters []models.DriverFilter
	if err := m.db.Where("auto_pilot = ?", true).Find(&filters).Error; err != nil {
		return err
	}

	for _, f := range filters {
		if f.UserID == job.UserID {
			// A driver never auto-claims their own capture.
			continue
		}
		if !FilterMatches(&job, &f) {
			continue
		}

		// Re-check right before claiming; the job may have been won since
		// the filters were loaded.
		if taken, err := m.claimer.takenByOther(m.db, job.ID, f.UserID); err != nil {
			return err
		} else if taken {
			log.Printf("jobs: matcher: job=%d already won, stopping", job.ID)
			return nil
		}

		_, err := m.claimer.Claim(ctx, ClaimOpts{UserID: f.UserID, JobID: job.ID})
		if err != nil {
			log.Printf("jobs: matcher: auto-claim user=%d job=%d: %v", f.UserID, job.ID, err)
		} else {
			log.Printf("jobs: matcher: auto-claim won user=%d job=%d", f.UserID, job.ID)
		}
		return err
	}
	return nil
}

// FilterMatches is the pure predicate deciding whether a captured job passes
// a driver's saved criteria. Exported because the dashboard's live filter
// preview evaluates the exact same predicate.
func FilterMatches(job *models.TransferJob, f *models.DriverFilter) bool {
	if f.MinPrice > 0 {
		n, err := strconv.Atoi(strings.TrimSpace(job.Price))
		if err != nil || n < f.MinPrice {
			return false
		}
	}

	ready := strings.HasPrefix(job.Time, "HAZIR")
	switch f.TimeMode {
	case models.TimeModeReady:
		if !ready {
			return false
		}
	case models.TimeModeScheduled:
		if ready {
			return false
		}
	}

	if job.IsSwap && !f.AcceptSwap {
		return false
	}

	text := job.RawMessage + " " + job.FromLocation + " " + job.ToLocation + " " + job.Time
	folded := foldTurkish(text)
	if containsAny(folded, vipWords) {
		if !f.WantVIP {
			return false
		}
	} else if containsAny(folded, minibusWords) {
		if !f.WantMinibus {
			return false
		}
	} else if !f.WantSedan {
		return false
	}

	// Region membership. Swap jobs carry sentinel from/to fields, so their
	// regions are matched against the raw message text instead.
	fromText := job.FromLocation
	toText := job.ToLocation
	if job.IsSwap {
		fromText = job.RawMessage
		toText = job.RawMessage
	}
	if !regionListMatches(f.FromRegions, fromText) {
		return false
	}
	if !regionListMatches(f.ToRegions, toText) {
		return false
	}
	return true
}

// regionListMatches decodes a JSON region-name list and reports whether any
// entry matches the text. An empty or invalid list accepts everything.
func regionListMatches(list, text string) bool {
	names := decodeRegionList(list)
	if len(names) == 0 {
		return true
	}
	for _, name := range names {
		if RegionMatches(name, text) {
			return true
		}
	}
	return false
}

func decodeRegionList(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(list), &names); err != nil {
		return nil
	}
	return names
}

func containsAny(folded string, words []string) bool {
	for _, w := range words {
		if strings.Contains(folded, w) {
			return true
		}
	}
	return false
}
