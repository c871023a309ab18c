package jobs

import (
	"context"
	"testing"

	"github.com/hakancinelii/whatistaspp/internal/models"
)

// fakeCompleter returns a canned completion.
type fakeCompleter struct {
	text string
	ok   bool
}

func (f fakeCompleter) Complete(ctx context.Context, prompt string) (string, bool) {
	return f.text, f.ok
}

func TestParse_FallbackScenario(t *testing.T) {
	p := NewParser(nil, 2000)

	job, ok := p.Parse(context.Background(), "Hazır ihl fatih 1500, 05321112233")
	if !ok {
		t.Fatal("expected a parsed job")
	}
	if job.From != "İHL" {
		t.Errorf("From = %q, want İHL", job.From)
	}
	if job.To != "FATİH" {
		t.Errorf("To = %q, want FATİH", job.To)
	}
	if job.Price != "1500" {
		t.Errorf("Price = %q, want 1500", job.Price)
	}
	if job.Time != models.TimeReady {
		t.Errorf("Time = %q, want %q", job.Time, models.TimeReady)
	}
	if job.Phone != "905321112233" {
		t.Errorf("Phone = %q, want 905321112233", job.Phone)
	}
	if job.HighReward {
		t.Error("1500 under the 2000 cutoff must not be high-reward")
	}
}

func TestParse_Deterministic(t *testing.T) {
	p := NewParser(nil, 2000)
	text := "Hazır ihl fatih 1500, 05321112233"

	first, ok1 := p.Parse(context.Background(), text)
	second, ok2 := p.Parse(context.Background(), text)
	if !ok1 || !ok2 {
		t.Fatal("expected both parses to succeed")
	}
	if first != second {
		t.Errorf("same input parsed differently: %+v vs %+v", first, second)
	}
}

func TestParse_NoPhoneNoJob(t *testing.T) {
	p := NewParser(nil, 2000)
	if _, ok := p.Parse(context.Background(), "taksim fatih 1500 tl"); ok {
		t.Error("text without a mobile number must not parse as a job")
	}
}

func TestParse_PhoneFormats(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"iş var 05321112233", "905321112233"},
		{"iş var 0532 111 22 33", "905321112233"},
		{"iş var +90 532 111 22 33", "905321112233"},
		{"iş var 90 532-111-22-33", "905321112233"},
		{"iş var 532 111 22 33", "905321112233"},
	}
	for _, tt := range tests {
		phone, _ := extractPhone(tt.text)
		if phone != tt.want {
			t.Errorf("extractPhone(%q) = %q, want %q", tt.text, phone, tt.want)
		}
	}
}

func TestParse_PriceNotConfusedWithPhone(t *testing.T) {
	p := NewParser(nil, 2000)

	// No price in the text: the phone digits must not leak into Price.
	job, ok := p.Parse(context.Background(), "taksim acil 05321112233")
	if !ok {
		t.Fatal("expected a parsed job")
	}
	if job.Price != "" {
		t.Errorf("Price = %q, want empty", job.Price)
	}
	if job.From != "TAKSİM" {
		t.Errorf("From = %q, want TAKSİM", job.From)
	}
}

func TestParse_SwapFallback(t *testing.T) {
	p := NewParser(nil, 2000)

	job, ok := p.Parse(context.Background(), "takas: sabah saw, öğlen taksim 2500 tl 05321112233")
	if !ok {
		t.Fatal("expected a parsed job")
	}
	if !job.Swap {
		t.Error("takas language must set Swap")
	}
	if job.From != models.FromSwap {
		t.Errorf("From = %q, want %q", job.From, models.FromSwap)
	}
	if !job.HighReward {
		t.Error("2500 over the 2000 cutoff must be high-reward")
	}
}

func TestParse_AIPath(t *testing.T) {
	ai := fakeCompleter{
		text: "```json\n{\"from_loc\": \"İstanbul Havalimanı\", \"to_loc\": \"Fatih\", \"price\": \"1500 TL\", \"time\": \"" + models.TimeReady + "\", \"is_high_reward\": false, \"is_swap\": false}\n```",
		ok:   true,
	}
	p := NewParser(ai, 2000)

	job, ok := p.Parse(context.Background(), "Hazır ihl fatih 1500, 05321112233")
	if !ok {
		t.Fatal("expected a parsed job")
	}
	if job.From != "İstanbul Havalimanı" || job.To != "Fatih" {
		t.Errorf("locations = %q → %q", job.From, job.To)
	}
	if job.Price != "1500" {
		t.Errorf("Price = %q, want digits only", job.Price)
	}
	if job.Phone != "905321112233" {
		t.Errorf("Phone = %q, regex result must override the AI", job.Phone)
	}
}

func TestParse_AISwapSentinel(t *testing.T) {
	ai := fakeCompleter{
		text: `{"from_loc": "Taksim", "to_loc": "Fatih", "price": "3000", "is_swap": true}`,
		ok:   true,
	}
	p := NewParser(ai, 2000)

	job, ok := p.Parse(context.Background(), "çoklu iş 05321112233")
	if !ok {
		t.Fatal("expected a parsed job")
	}
	if job.From != models.FromSwap {
		t.Errorf("From = %q, want swap sentinel", job.From)
	}
	if !job.HighReward {
		t.Error("3000 must be flagged high-reward by the price cutoff")
	}
}

func TestParse_AIPlaceholderRepair(t *testing.T) {
	ai := fakeCompleter{
		text: `{"from_loc": "Taksim Fatih", "to_loc": "bilinmiyor", "price": "1200"}`,
		ok:   true,
	}
	p := NewParser(ai, 2000)

	job, ok := p.Parse(context.Background(), "taksim fatih 1200 05321112233")
	if !ok {
		t.Fatal("expected a parsed job")
	}
	if job.From != "Taksim" || job.To != "Fatih" {
		t.Errorf("repair split = %q → %q, want Taksim → Fatih", job.From, job.To)
	}
}

func TestParse_AIGarbageFallsBack(t *testing.T) {
	ai := fakeCompleter{text: "üzgünüm, bu metinden bir ilan çıkaramadım", ok: true}
	p := NewParser(ai, 2000)

	job, ok := p.Parse(context.Background(), "Hazır ihl fatih 1500, 05321112233")
	if !ok {
		t.Fatal("fallback must still parse")
	}
	if job.From != "İHL" || job.Price != "1500" {
		t.Errorf("fallback result = %+v", job)
	}
}

func TestFirstJSONObject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`önce metin {"a": {"b": 1}} sonra metin`, `{"a": {"b": 1}}`},
		{"no json here", ""},
		{"{unclosed", ""},
	}
	for _, tt := range tests {
		if got := firstJSONObject(tt.in); got != tt.want {
			t.Errorf("firstJSONObject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
