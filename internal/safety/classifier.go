// Package safety classifies free text for self-harm risk and identity leaks,
// redacts leaked identifiers, and enforces the leak throttle and the
// per-principal request rate limit.
package safety

import (
	"math"
	"regexp"
)

// Risk levels carried on moods and messages.
const (
	RiskNormal = 0
	RiskCrisis = 2
)

// Placeholder replaces every redacted span.
const Placeholder = "[redacted]"

// Category is a detected pattern class.
type Category string

const (
	CategoryEmail         Category = "email"
	CategoryURL           Category = "url"
	CategoryPhone         Category = "phone"
	CategoryHandle        Category = "handle"
	CategoryContactPhrase Category = "contact_phrase"
	CategorySelfHarm      Category = "self_harm"
)

// reidPerCategory is the re-identification risk contributed by each distinct
// leak category.
const reidPerCategory = 0.2

type rule struct {
	category Category
	re       *regexp.Regexp
	// keep preserves submatch 1 on redaction. RE2 has no lookbehind, so
	// the handle rule consumes the boundary character before the "@".
	keep bool
}

// Redaction order. Email runs before url and handle so the domain and the
// "@" of an address are consumed by the email rule.
var leakRules = []rule{
	{category: CategoryEmail, re: regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)},
	{category: CategoryURL, re: regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s]+|\b[a-z0-9\-]+(?:\.[a-z0-9\-]+)*\.(?:com|net|org|io|me|co|app|gg|ly|xyz|info|dev)\b(?:/[^\s]*)?`)},
	{category: CategoryPhone, re: regexp.MustCompile(`\+?\d(?:[\s\-.()]*\d){6,14}`)},
	{category: CategoryHandle, re: regexp.MustCompile(`(^|[^\w@])(@[A-Za-z0-9_.]{2,30})`), keep: true},
	{category: CategoryContactPhrase, re: regexp.MustCompile(`(?i)\b(?:dm me|message me|text me|call me|add me|hit me up|find me on|reach me at|look me up|my (?:number|insta|instagram|snap|snapchat|handle|discord|telegram|whatsapp|email) is)\b`)},
}

var selfHarmRule = regexp.MustCompile(`(?i)\b(?:kill(?:ing)? myself|end(?:ing)? my life|suicid\w*|self[\s\-]?harm\w*|hurt(?:ing)? myself|want(?:ed)? to die|don'?t want to (?:live|be here|wake up)|cut(?:ting)? myself|overdos\w*|no reason to live)\b`)

// Result is the classifier output.
type Result struct {
	RiskLevel    int
	IdentityLeak bool
	SelfHarm     bool
	Categories   []Category // leak categories in redaction order; never includes self_harm
	Sanitized    string
	ReidRisk     float64
}

// Classifier is stateless and safe for concurrent use.
type Classifier struct{}

// NewClassifier returns a Classifier.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify scans text. Every leak category is checked, so all matched
// categories are reported, not just the first. Each check runs on the text
// left after redacting the categories before it, which makes overlapping
// spans belong to the earliest category.
func (c *Classifier) Classify(text string) Result {
	var res Result

	if selfHarmRule.MatchString(text) {
		res.SelfHarm = true
		res.RiskLevel = RiskCrisis
	}

	sanitized := text
	for _, r := range leakRules {
		if !r.re.MatchString(sanitized) {
			continue
		}
		res.Categories = append(res.Categories, r.category)
		if r.keep {
			sanitized = r.re.ReplaceAllString(sanitized, "${1}"+Placeholder)
		} else {
			sanitized = r.re.ReplaceAllLiteralString(sanitized, Placeholder)
		}
	}

	res.IdentityLeak = len(res.Categories) > 0
	res.Sanitized = sanitized
	res.ReidRisk = ReidRisk(len(res.Categories))
	return res
}

// ReidRisk is a saturating linear function of the leak-category count.
func ReidRisk(categories int) float64 {
	return math.Min(1.0, reidPerCategory*float64(categories))
}
