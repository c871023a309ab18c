// Package jobs implements the transfer-job domain: parsing classified-ad
// text into structured jobs, the claim & dispatch protocol, and the
// automation matcher that claims jobs for autopilot drivers.
package jobs

import (
	"regexp"
	"sort"
	"strings"
)

// Region is a named pickup/drop-off area with its match keywords. Keywords
// are stored Turkish-folded (see foldTurkish); matching is case-insensitive
// but diacritics-sensitive, so "sisli" does not match "şişli".
type Region struct {
	Name     string
	Keywords []string
}

// Gazetteer of districts and airports recognized by the fallback parser and
// the driver filters. The two airports come first so their abbreviations win
// over district names embedded in longer words.
var regions = []Region{
	{Name: "İHL", Keywords: []string{"ihl", "istanbul havalimanı", "istanbul havalimani", "yeni havalimanı", "ist havalimanı"}},
	{Name: "SAW", Keywords: []string{"saw", "sabiha", "sabiha gökçen"}},
	{Name: "FATİH", Keywords: []string{"fatih"}},
	{Name: "TAKSİM", Keywords: []string{"taksim"}},
	{Name: "SULTANAHMET", Keywords: []string{"sultanahmet"}},
	{Name: "SİRKECİ", Keywords: []string{"sirkeci"}},
	{Name: "LALELİ", Keywords: []string{"laleli"}},
	{Name: "AKSARAY", Keywords: []string{"aksaray"}},
	{Name: "EMİNÖNÜ", Keywords: []string{"eminönü"}},
	{Name: "BEYOĞLU", Keywords: []string{"beyoğlu", "galata", "karaköy"}},
	{Name: "BEŞİKTAŞ", Keywords: []string{"beşiktaş", "ortaköy"}},
	{Name: "ŞİŞLİ", Keywords: []string{"şişli", "nişantaşı", "mecidiyeköy"}},
	{Name: "KAĞITHANE", Keywords: []string{"kağıthane"}},
	{Name: "SARIYER", Keywords: []string{"sarıyer", "maslak"}},
	{Name: "EYÜPSULTAN", Keywords: []string{"eyüp", "eyüpsultan"}},
	{Name: "GAZİOSMANPAŞA", Keywords: []string{"gaziosmanpaşa", "gop"}},
	{Name: "BAYRAMPAŞA", Keywords: []string{"bayrampaşa"}},
	{Name: "ZEYTİNBURNU", Keywords: []string{"zeytinburnu"}},
	{Name: "BAKIRKÖY", Keywords: []string{"bakırköy", "yeşilköy", "ataköy"}},
	{Name: "BAHÇELİEVLER", Keywords: []string{"bahçelievler"}},
	{Name: "GÜNGÖREN", Keywords: []string{"güngören"}},
	{Name: "ESENLER", Keywords: []string{"esenler"}},
	{Name: "BAĞCILAR", Keywords: []string{"bağcılar"}},
	{Name: "KÜÇÜKÇEKMECE", Keywords: []string{"küçükçekmece", "halkalı"}},
	{Name: "AVCILAR", Keywords: []string{"avcılar"}},
	{Name: "BEYLİKDÜZÜ", Keywords: []string{"beylikdüzü"}},
	{Name: "ESENYURT", Keywords: []string{"esenyurt"}},
	{Name: "BÜYÜKÇEKMECE", Keywords: []string{"büyükçekmece"}},
	{Name: "SİLİVRİ", Keywords: []string{"silivri"}},
	{Name: "ARNAVUTKÖY", Keywords: []string{"arnavutköy"}},
	{Name: "BAŞAKŞEHİR", Keywords: []string{"başakşehir"}},
	{Name: "SULTANGAZİ", Keywords: []string{"sultangazi"}},
	{Name: "KADIKÖY", Keywords: []string{"kadıköy", "moda", "bostancı"}},
	{Name: "ÜSKÜDAR", Keywords: []string{"üsküdar", "çengelköy"}},
	{Name: "ATAŞEHİR", Keywords: []string{"ataşehir"}},
	{Name: "ÜMRANİYE", Keywords: []string{"ümraniye"}},
	{Name: "MALTEPE", Keywords: []string{"maltepe"}},
	{Name: "KARTAL", Keywords: []string{"kartal"}},
	{Name: "PENDİK", Keywords: []string{"pendik"}},
	{Name: "TUZLA", Keywords: []string{"tuzla"}},
	{Name: "BEYKOZ", Keywords: []string{"beykoz"}},
	{Name: "ÇEKMEKÖY", Keywords: []string{"çekmeköy"}},
	{Name: "SANCAKTEPE", Keywords: []string{"sancaktepe"}},
	{Name: "SULTANBEYLİ", Keywords: []string{"sultanbeyli"}},
}

// airportNames maps abbreviations the AI prompt asks to expand.
var airportNames = map[string]string{
	"İHL": "İstanbul Havalimanı",
	"SAW": "Sabiha Gökçen Havalimanı",
}

var turkishFolder = strings.NewReplacer("İ", "i", "I", "ı")

// foldTurkish lowercases text with the Turkish dotted/dotless-i mapping, so
// keyword matching is case-insensitive without losing diacritics.
func foldTurkish(s string) string {
	return strings.ToLower(turkishFolder.Replace(s))
}

var wordBoundary = regexp.MustCompile(`[\p{L}\p{N}]`)

// keywordIndex returns the byte index of the first standalone occurrence of
// keyword in folded text, or -1. Standalone means not glued to another letter
// or digit on either side, so "saw" does not fire inside "sawyer".
func keywordIndex(folded, keyword string) int {
	from := 0
	for {
		i := strings.Index(folded[from:], keyword)
		if i < 0 {
			return -1
		}
		i += from
		before := folded[:i]
		after := folded[i+len(keyword):]
		okBefore := before == "" || !wordBoundary.MatchString(lastRune(before))
		okAfter := after == "" || !wordBoundary.MatchString(firstRune(after))
		if okBefore && okAfter {
			return i
		}
		from = i + len(keyword)
	}
}

func lastRune(s string) string {
	r := []rune(s)
	return string(r[len(r)-1])
}

func firstRune(s string) string {
	r := []rune(s)
	return string(r[0])
}

// MatchRegions scans text and returns the canonical names of every matched
// region, ordered by first appearance in the text.
func MatchRegions(text string) []string {
	folded := foldTurkish(text)
	type hit struct {
		name string
		pos  int
	}
	var hits []hit
	for _, r := range regions {
		best := -1
		for _, kw := range r.Keywords {
			if i := keywordIndex(folded, kw); i >= 0 && (best < 0 || i < best) {
				best = i
			}
		}
		if best >= 0 {
			hits = append(hits, hit{name: r.Name, pos: best})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	names := make([]string, len(hits))
	for i, h := range hits {
		names[i] = h.name
	}
	return names
}

// RegionMatches reports whether the named region's keywords appear in text.
// This single predicate backs both the automation matcher and the dashboard's
// live filter preview, so the two can never disagree.
func RegionMatches(name, text string) bool {
	folded := foldTurkish(text)
	for _, r := range regions {
		if r.Name != name {
			continue
		}
		// The canonical name itself also counts, so structured fields
		// produced by this package match their own region.
		if keywordIndex(folded, foldTurkish(r.Name)) >= 0 {
			return true
		}
		if full, ok := airportNames[r.Name]; ok && keywordIndex(folded, foldTurkish(full)) >= 0 {
			return true
		}
		for _, kw := range r.Keywords {
			if keywordIndex(folded, kw) >= 0 {
				return true
			}
		}
	}
	return false
}

// RegionNames returns every canonical region name, for the dashboard's
// filter editor.
func RegionNames() []string {
	names := make([]string, len(regions))
	for i, r := range regions {
		names[i] = r.Name
	}
	return names
}
