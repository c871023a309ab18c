package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/hakancinelii/whatistaspp/internal/models"
)

// Completer is the generative extraction collaborator. Implementations must
// fail closed: on any failure they return ok=false, never an error, so the
// parser can fall through to the deterministic path.
type Completer interface {
	Complete(ctx context.Context, prompt string) (text string, ok bool)
}

// ParsedJob is the structured result of parsing a classified ad.
type ParsedJob struct {
	From       string
	To         string
	Price      string
	Time       string
	Phone      string
	HighReward bool
	Swap       bool
}

// Parser converts free-text transfer ads into ParsedJobs. The AI path is
// primary when a Completer is configured; the regex/gazetteer fallback keeps
// the parser a pure function of its input otherwise.
type Parser struct {
	ai            Completer
	highRewardMin int
}

// NewParser creates a Parser. ai may be nil to disable the AI path.
func NewParser(ai Completer, highRewardMin int) *Parser {
	return &Parser{ai: ai, highRewardMin: highRewardMin}
}

// Turkish mobile numbers: optional +90/90/0 prefix, then 5XX XXX XX XX with
// arbitrary separators.
var phonePattern = regexp.MustCompile(`(?:\+?90[\s.-]*|0[\s.-]*)?(5\d{2})[\s.-]*(\d{3})[\s.-]*(\d{2})[\s.-]*(\d{2})`)

// pricePattern matches a standalone 3-6 digit amount, optionally suffixed
// with a currency marker.
var pricePattern = regexp.MustCompile(`(\d{3,6})\s*(?:tl|₺|lira)?\b`)

var urgencyWords = []string{"hazır", "acil", "hemen", "şimdi", "yolda", "bekliyor"}

var swapWords = []string{"takas", "çoklu", "değişim", "karşılıklı"}

// urlPattern covers links embedded in ads (invite links most commonly).
var urlPattern = regexp.MustCompile(`(?:https?://|www\.|chat\.whatsapp\.com/)\S+`)

// Parse converts raw ad text into a ParsedJob. ok is false when the text is
// not recognizably a job; callers cannot distinguish that from a parse
// failure (false negatives are acceptable, false positives are not).
func (p *Parser) Parse(ctx context.Context, text string) (ParsedJob, bool) {
	// Cheap reject before any AI spend: no local mobile number, no job.
	phone, phoneSpan := extractPhone(text)
	if phone == "" {
		return ParsedJob{}, false
	}

	if p.ai != nil {
		if job, ok := p.parseWithAI(ctx, text, phone); ok {
			return job, true
		}
	}
	return p.parseFallback(text, phone, phoneSpan)
}

// extractPhone returns the normalized international number (90XXXXXXXXXX)
// and the matched span, or "" when no mobile number is present.
func extractPhone(text string) (string, []int) {
	m := phonePattern.FindStringSubmatchIndex(text)
	if m == nil {
		return "", nil
	}
	groups := phonePattern.FindStringSubmatch(text)
	return "90" + groups[1] + groups[2] + groups[3] + groups[4], m[:2]
}

// --- AI path ---

type aiExtraction struct {
	FromLoc      string `json:"from_loc"`
	ToLoc        string `json:"to_loc"`
	Price        string `json:"price"`
	Time         string `json:"time"`
	IsHighReward bool   `json:"is_high_reward"`
	IsSwap       bool   `json:"is_swap"`
}

func (p *Parser) parseWithAI(ctx context.Context, text, phone string) (ParsedJob, bool) {
	raw, ok := p.ai.Complete(ctx, buildExtractionPrompt(text))
	if !ok {
		return ParsedJob{}, false
	}
	blob := firstJSONObject(raw)
	if blob == "" {
		return ParsedJob{}, false
	}
	var ext aiExtraction
	if err := json.Unmarshal([]byte(blob), &ext); err != nil {
		log.Printf("jobs: parser: bad AI json: %v", err)
		return ParsedJob{}, false
	}

	job := ParsedJob{
		From:       strings.TrimSpace(ext.FromLoc),
		To:         strings.TrimSpace(ext.ToLoc),
		Price:      digitsOnly(ext.Price),
		Time:       strings.TrimSpace(ext.Time),
		Phone:      phone,
		HighReward: ext.IsHighReward,
		Swap:       ext.IsSwap,
	}

	// Repair pass: some completions stuff both locations into from_loc and
	// leave to_loc empty or a placeholder.
	if isPlaceholder(job.To) {
		if parts := strings.Fields(job.From); len(parts) > 1 {
			job.From = parts[0]
			job.To = strings.Join(parts[1:], " ")
		} else {
			job.To = ""
		}
	}
	if job.Swap {
		job.From = models.FromSwap
	}
	if job.From == "" && job.Price == "" {
		// Nothing actionable; let the fallback try.
		return ParsedJob{}, false
	}
	if !job.HighReward {
		job.HighReward = p.isHighReward(job.Price)
	}
	return job, true
}

// buildExtractionPrompt renders the extraction instructions for one ad.
func buildExtractionPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Aşağıdaki transfer ilanından JSON çıkar. Sadece tek bir JSON nesnesi döndür, başka hiçbir şey yazma.\n")
	b.WriteString(`Alanlar: {"from_loc": "", "to_loc": "", "price": "", "time": "", "is_high_reward": false, "is_swap": false}` + "\n")
	b.WriteString("Kurallar:\n")
	b.WriteString("1. Yan yana iki konum varsa soldaki alış (from_loc), sağdaki bırakış (to_loc) noktasıdır.\n")
	b.WriteString("2. Birden fazla zamanlı bacak veya takas/teklif dili varsa is_swap=true yap ve from_loc alanına \"" + models.FromSwap + "\" yaz.\n")
	b.WriteString("3. Kısaltmaları tam havalimanı adına çevir: İHL=İstanbul Havalimanı, SAW=Sabiha Gökçen Havalimanı.\n")
	b.WriteString("4. \"hazır\", \"acil\", \"hemen\" gibi aciliyet dili varsa time alanına \"" + models.TimeReady + "\" yaz.\n")
	b.WriteString("5. price alanına sadece rakamları yaz.\n")
	b.WriteString("6. Fiyat piyasa aralığının belirgin üstündeyse is_high_reward=true yap.\n")
	b.WriteString("\nİlan:\n")
	b.WriteString(text)
	return b.String()
}

// firstJSONObject returns the first balanced {...} block in s, or "".
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// isPlaceholder reports whether an extracted location is effectively absent.
func isPlaceholder(loc string) bool {
	switch foldTurkish(strings.TrimSpace(loc)) {
	case "", "-", "?", "yok", "bilinmiyor", "null", "none", "n/a", "belirtilmemiş":
		return true
	}
	return false
}

// --- Fallback path ---

func (p *Parser) parseFallback(text, phone string, phoneSpan []int) (ParsedJob, bool) {
	// Blank out the phone digits and any URLs so the price scan cannot pick
	// digits out of them.
	scrubbed := text
	if len(phoneSpan) == 2 {
		scrubbed = text[:phoneSpan[0]] + strings.Repeat(" ", phoneSpan[1]-phoneSpan[0]) + text[phoneSpan[1]:]
	}
	scrubbed = urlPattern.ReplaceAllStringFunc(scrubbed, func(m string) string {
		return strings.Repeat(" ", len(m))
	})

	price := ""
	if m := pricePattern.FindStringSubmatch(scrubbed); m != nil {
		price = m[1]
	}

	matched := MatchRegions(text)
	from, to := "", ""
	if len(matched) > 0 {
		from = matched[0]
	}
	if len(matched) > 1 {
		to = matched[1]
	}

	timeField := ""
	folded := foldTurkish(text)
	for _, w := range urgencyWords {
		if keywordIndex(folded, w) >= 0 {
			timeField = models.TimeReady
			break
		}
	}

	swap := false
	for _, w := range swapWords {
		if keywordIndex(folded, w) >= 0 {
			swap = true
			break
		}
	}
	if swap {
		from = models.FromSwap
	}

	if from == "" && price == "" {
		return ParsedJob{}, false
	}
	return ParsedJob{
		From:       from,
		To:         to,
		Price:      price,
		Time:       timeField,
		Phone:      phone,
		HighReward: p.isHighReward(price),
		Swap:       swap,
	}, true
}

func (p *Parser) isHighReward(price string) bool {
	if p.highRewardMin <= 0 || price == "" {
		return false
	}
	n, err := strconv.Atoi(price)
	if err != nil {
		return false
	}
	return n >= p.highRewardMin
}

// digitsOnly strips everything but digits from s.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// String renders a short human-readable summary for logs.
func (j ParsedJob) String() string {
	return fmt.Sprintf("%s → %s (%s TL, %s)", j.From, j.To, j.Price, j.Time)
}
