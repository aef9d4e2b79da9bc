// Package theme maps free-form mood tags onto the bounded set of canonical
// theme tags used for matching.
package theme

import "strings"

// MaxThemes bounds how many canonical themes a single signal can carry.
const MaxThemes = 3

// Canonical themes, in canonical order.
const (
	Anxiety       = "anxiety"
	Family        = "family"
	Grief         = "grief"
	Health        = "health"
	Loneliness    = "loneliness"
	Money         = "money"
	Relationships = "relationships"
	School        = "school"
	SelfWorth     = "self_worth"
	Work          = "work"
)

var canonical = []string{
	Anxiety, Family, Grief, Health, Loneliness, Money, Relationships, School, SelfWorth, Work,
}

var rank = func() map[string]int {
	m := make(map[string]int, len(canonical))
	for i, t := range canonical {
		m[t] = i
	}
	return m
}()

var synonyms = map[string]string{
	"anxious": Anxiety, "worry": Anxiety, "worried": Anxiety, "stress": Anxiety,
	"stressed": Anxiety, "panic": Anxiety, "nervous": Anxiety, "overwhelmed": Anxiety,

	"parents": Family, "mom": Family, "dad": Family, "kids": Family, "siblings": Family,
	"home": Family,

	"loss": Grief, "mourning": Grief, "bereavement": Grief, "death": Grief, "miss": Grief,

	"sick": Health, "illness": Health, "pain": Health, "sleep": Health, "tired": Health,
	"body": Health,

	"lonely": Loneliness, "alone": Loneliness, "isolated": Loneliness, "isolation": Loneliness,
	"friends": Loneliness,

	"rent": Money, "debt": Money, "bills": Money, "finances": Money, "broke": Money,

	"relationship": Relationships, "partner": Relationships, "breakup": Relationships,
	"dating": Relationships, "love": Relationships, "divorce": Relationships,

	"exams": School, "exam": School, "college": School, "university": School, "class": School,
	"homework": School, "studying": School,

	"confidence": SelfWorth, "worthless": SelfWorth, "self-esteem": SelfWorth,
	"self esteem": SelfWorth, "selfworth": SelfWorth, "self-worth": SelfWorth, "failure": SelfWorth,

	"job": Work, "boss": Work, "career": Work, "office": Work, "coworkers": Work,
	"burnout": Work, "unemployed": Work,
}

// Map normalizes tags into canonical themes: lowercased, trimmed, synonyms
// resolved, unknown tags dropped, duplicates removed, canonical order, at
// most MaxThemes. An empty result means the signal is unrestricted.
func Map(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		t := Canonical(tag)
		if t != "" {
			seen[t] = true
		}
	}

	out := make([]string, 0, len(seen))
	for _, t := range canonical {
		if seen[t] {
			out = append(out, t)
		}
		if len(out) == MaxThemes {
			break
		}
	}
	return out
}

// Canonical resolves a single tag, returning "" when it is unknown.
func Canonical(tag string) string {
	t := strings.ToLower(strings.TrimSpace(tag))
	t = strings.ReplaceAll(t, "_", " ")
	if t == "self worth" {
		return SelfWorth
	}
	if _, ok := rank[t]; ok {
		return t
	}
	return synonyms[t]
}

// Overlaps reports whether a and b share a theme.
func Overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Valid reports whether t is a canonical theme.
func Valid(t string) bool {
	_, ok := rank[t]
	return ok
}

// All returns the canonical themes in canonical order.
func All() []string {
	return append([]string(nil), canonical...)
}
