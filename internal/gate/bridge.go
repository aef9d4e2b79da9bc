package gate

import (
	"strings"
	"time"

	"github.com/albapepper/hush/internal/detrand"
	"github.com/albapepper/hush/internal/outcome"
)

// BridgeKind tells which template family a bridge message came from.
type BridgeKind string

const (
	BridgeReflective BridgeKind = "reflective" // day-bounded
	BridgeCrisis     BridgeKind = "crisis"     // stable across days
)

// BridgeInput selects a bridge template.
type BridgeInput struct {
	Reason    outcome.Reason
	Theme     string // first canonical theme, or "" when unrestricted
	Valence   string
	Intensity string
	Now       time.Time
}

// BridgeMessage is system-authored content shown instead of peer delivery.
type BridgeMessage struct {
	Kind       BridgeKind
	TemplateID int
	Text       string
}

// Bridge picks a template as a pure function of its input. Reflective
// templates also key on the UTC day, so the same input returns the same text
// all day and usually a different one tomorrow.
func Bridge(in BridgeInput) BridgeMessage {
	key := in.Theme + "|" + in.Valence + "|" + in.Intensity
	if in.Reason == outcome.ReasonCrisisWindow {
		i := detrand.Pick(key, len(crisisTemplates))
		return BridgeMessage{Kind: BridgeCrisis, TemplateID: i, Text: crisisTemplates[i]}
	}

	key += "|" + detrand.Day(in.Now)
	i := detrand.Pick(key, len(reflectiveTemplates))
	return BridgeMessage{
		Kind:       BridgeReflective,
		TemplateID: i,
		Text:       render(reflectiveTemplates[i], in.Theme),
	}
}

func render(tmpl, theme string) string {
	subject := "what you're carrying"
	if theme != "" {
		subject = "what's going on with " + strings.ReplaceAll(theme, "_", " ")
	}
	return strings.ReplaceAll(tmpl, "{subject}", subject)
}

var reflectiveTemplates = []string{
	"Someone else has felt something close to {subject}. You are not the only one.",
	"It makes sense that {subject} feels heavy right now. Naming it is already a step.",
	"Take one slow breath. Nothing about {subject} has to be solved tonight.",
	"Others have sat with {subject} and found small ways through. Be gentle with yourself today.",
	"What would you say to a friend dealing with {subject}? You deserve the same kindness.",
	"Feelings about {subject} come in waves. This one will pass, even if slowly.",
}

var crisisTemplates = []string{
	"You matter, and you don't have to carry this alone. Please reach out to a crisis line or someone you trust right now.",
	"It sounds like things are really hard. Trained people are available to talk at any hour; please contact your local crisis line.",
	"If you are in immediate danger, please contact emergency services. Support is available, and this moment can be survived.",
}
