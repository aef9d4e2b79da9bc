// Package matching picks a recipient for a peer message: deterministic
// candidate sampling, eligibility filtering with adaptive relaxation,
// bounded affinity re-ranking, and a cooldown commit against the KV store.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/albapepper/hush/internal/detrand"
	"github.com/albapepper/hush/internal/gate"
	"github.com/albapepper/hush/internal/kv"
	"github.com/albapepper/hush/internal/metrics"
	"github.com/albapepper/hush/internal/outcome"
	"github.com/albapepper/hush/internal/store"
	"github.com/albapepper/hush/internal/theme"
)

// Outcome is the engine-level result of a decision.
type Outcome string

const (
	OutcomeDeliver     Outcome = "DELIVER"
	OutcomeHold        Outcome = "HOLD"
	OutcomeCrisisBlock Outcome = "CRISIS_BLOCK"
)

// MaxAffinityBias is the hard ceiling on how much affinity can lift a
// candidate's weight.
const MaxAffinityBias = 0.1

// maxBand is the widest intensity band relaxation can reach.
const maxBand = 2

// Config holds the engine's operational thresholds.
type Config struct {
	MinPoolK        int
	SampleLimit     int
	Cooldown        time.Duration // per sender→recipient pair
	AffinityMaxBias float64       // clamped to MaxAffinityBias
	AffinityScale   float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinPoolK:        gate.DefaultMinPoolK,
		SampleLimit:     50,
		Cooldown:        24 * time.Hour,
		AffinityMaxBias: MaxAffinityBias,
		AffinityScale:   0.1,
	}
}

// Repository is the slice of store.Repository the engine reads.
type Repository interface {
	IsInCrisisWindow(ctx context.Context, principal string, now time.Time) (bool, error)
	GetMatchingTuning(ctx context.Context) (store.Tuning, error)
	GetEligibleCandidates(ctx context.Context, q store.CandidateQuery) ([]store.Candidate, error)
	GetAffinityMap(ctx context.Context, sender string, now time.Time) (map[string]float64, error)
}

// Request is one matching attempt.
type Request struct {
	SenderID   string
	RiskLevel  int
	Valence    store.Valence
	Intensity  store.Intensity
	Themes     []string       // canonical
	HoldReason outcome.Reason // upstream hold, e.g. shadow leak throttle
	Seed       string         // empty means detrand.DaySeed(SenderID, Now)
	Now        time.Time
}

// Decision is the engine result. Mode and Reason come from the gate or from
// the engine's own hold rules; Bridge is set whenever the gate chose
// BRIDGE_SYSTEM.
type Decision struct {
	Outcome     Outcome
	Mode        gate.Mode
	Reason      outcome.Reason
	RecipientID string
	Bridge      *gate.BridgeMessage

	Sampled  int
	Eligible int
	Relaxed  bool
}

// Engine is stateless apart from its collaborators and safe for concurrent
// use.
type Engine struct {
	repo     Repository
	cooldown kv.Store
	cfg      Config
	logger   *slog.Logger
}

// NewEngine builds an Engine. AffinityMaxBias above MaxAffinityBias is
// clamped.
func NewEngine(repo Repository, cooldown kv.Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.AffinityMaxBias > MaxAffinityBias || cfg.AffinityMaxBias < 0 {
		cfg.AffinityMaxBias = MaxAffinityBias
	}
	if cfg.MinPoolK <= 0 {
		cfg.MinPoolK = gate.DefaultMinPoolK
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = DefaultConfig().SampleLimit
	}
	return &Engine{repo: repo, cooldown: cooldown, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Decide runs the full matching pipeline for req.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	if req.RiskLevel >= 2 {
		return Decision{Outcome: OutcomeCrisisBlock, Mode: gate.ModeHold, Reason: outcome.ReasonCrisisBlock}, nil
	}

	inCrisis, err := e.repo.IsInCrisisWindow(ctx, req.SenderID, req.Now)
	if err != nil {
		return Decision{}, fmt.Errorf("crisis window: %w", err)
	}
	// The pool is unknown yet; pass the threshold so only crisis and hold
	// can fire here.
	pre := gate.Decide(gate.Input{
		SenderInCrisis: inCrisis,
		HoldReason:     req.HoldReason,
		PoolSize:       e.cfg.MinPoolK,
		MinPoolK:       e.cfg.MinPoolK,
	})
	if pre.Mode != gate.ModeDeliverPeer {
		return e.held(req, pre, 0, 0), nil
	}

	tuning, err := e.repo.GetMatchingTuning(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("matching tuning: %w", err)
	}

	seed := req.Seed
	if seed == "" {
		seed = detrand.DaySeed(req.SenderID, req.Now)
	}

	pool, err := e.sample(ctx, req, seed, tuning.HighPoolMultiplier)
	if err != nil {
		return Decision{}, err
	}
	sized := gate.Decide(gate.Input{PoolSize: len(pool), MinPoolK: e.cfg.MinPoolK})
	if sized.Mode != gate.ModeDeliverPeer {
		return e.held(req, sized, len(pool), 0), nil
	}

	band := clampBand(tuning.IntensityBand)
	requireTheme := true
	eligible := filter(pool, req, band, requireTheme)

	if len(eligible) < e.cfg.MinPoolK && tuning.LowPoolMultiplier > tuning.HighPoolMultiplier {
		pool, err = e.sample(ctx, req, seed, tuning.LowPoolMultiplier)
		if err != nil {
			return Decision{}, err
		}
		eligible = filter(pool, req, band, requireTheme)
	}

	relaxed := false
	if tuning.AllowThemeRelax && len(eligible) < e.cfg.MinPoolK {
		if band < maxBand {
			band++
			relaxed = true
			eligible = filter(pool, req, band, requireTheme)
		}
		if len(eligible) < e.cfg.MinPoolK {
			requireTheme = false
			relaxed = true
			eligible = filter(pool, req, band, requireTheme)
		}
	}

	if len(eligible) == 0 {
		d := e.held(req, gate.Decision{Mode: gate.ModeHold, Reason: outcome.ReasonNoEligibleCandidates}, len(pool), 0)
		d.Relaxed = relaxed
		return d, nil
	}

	affinity, err := e.repo.GetAffinityMap(ctx, req.SenderID, req.Now)
	if err != nil {
		return Decision{}, fmt.Errorf("affinity map: %w", err)
	}
	ranked := e.rank(eligible, req.Themes, affinity)

	for _, c := range ranked {
		ok, err := e.cooldown.SetNX(ctx, CooldownKey(req.SenderID, c.ID), e.cfg.Cooldown)
		if err != nil {
			// Without a working cooldown store no pair can be committed.
			metrics.RecordKVFailure("cooldown", "fail_closed")
			e.logger.Warn("Cooldown check failed", "error", err)
			break
		}
		if ok {
			return Decision{
				Outcome:     OutcomeDeliver,
				Mode:        gate.ModeDeliverPeer,
				RecipientID: c.ID,
				Sampled:     len(pool),
				Eligible:    len(eligible),
				Relaxed:     relaxed,
			}, nil
		}
	}

	d := e.held(req, gate.Decision{Mode: gate.ModeHold, Reason: outcome.ReasonCooldownActive}, len(pool), len(eligible))
	d.Relaxed = relaxed
	return d, nil
}

// CooldownKey is the KV key guarding one sender→recipient pair.
func CooldownKey(sender, recipient string) string {
	return "cooldown:" + sender + ":" + recipient
}

func (e *Engine) held(req Request, g gate.Decision, sampled, eligible int) Decision {
	d := Decision{
		Outcome:  OutcomeHold,
		Mode:     g.Mode,
		Reason:   g.Reason,
		Sampled:  sampled,
		Eligible: eligible,
	}
	if g.Mode == gate.ModeBridgeSystem {
		first := ""
		if len(req.Themes) > 0 {
			first = req.Themes[0]
		}
		b := gate.Bridge(gate.BridgeInput{
			Reason:    g.Reason,
			Theme:     first,
			Valence:   string(req.Valence),
			Intensity: string(req.Intensity),
			Now:       req.Now,
		})
		d.Bridge = &b
	}
	return d
}

// sample fetches up to ceil(SampleLimit × multiplier) candidates. The
// repository cuts its seeded order at the limit; Order is reapplied so the
// engine never depends on a repository's row order.
func (e *Engine) sample(ctx context.Context, req Request, seed string, multiplier float64) ([]store.Candidate, error) {
	if multiplier <= 0 {
		multiplier = 1
	}
	limit := int(math.Ceil(float64(e.cfg.SampleLimit) * multiplier))
	cands, err := e.repo.GetEligibleCandidates(ctx, store.CandidateQuery{
		SenderID:  req.SenderID,
		Intensity: req.Intensity,
		Themes:    req.Themes,
		Seed:      seed,
		Limit:     limit,
		Now:       req.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("sample candidates: %w", err)
	}
	return Order(cands, seed), nil
}

// Order returns candidates sorted by detrand.Order over their ids.
// Duplicate ids keep only the first occurrence.
func Order(cands []store.Candidate, seed string) []store.Candidate {
	byID := make(map[string]store.Candidate, len(cands))
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		if _, dup := byID[c.ID]; dup {
			continue
		}
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}
	out := make([]store.Candidate, 0, len(ids))
	for _, id := range detrand.Order(ids, seed) {
		out = append(out, byID[id])
	}
	return out
}

func filter(pool []store.Candidate, req Request, band int, requireTheme bool) []store.Candidate {
	var out []store.Candidate
	for _, c := range pool {
		if Eligible(req.Intensity, req.Themes, c, band, requireTheme) {
			out = append(out, c)
		}
	}
	return out
}

// Eligible reports whether c can receive a message from a sender with the
// given intensity and themes. Unknown intensities never match.
func Eligible(intensity store.Intensity, themes []string, c store.Candidate, band int, requireTheme bool) bool {
	a, b := intensity.Ordinal(), c.Intensity.Ordinal()
	if a < 0 || b < 0 {
		return false
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	if diff > band {
		return false
	}
	if !requireTheme || len(themes) == 0 || len(c.Themes) == 0 {
		return true
	}
	return theme.Overlaps(themes, c.Themes)
}

type weighted struct {
	store.Candidate
	weight float64
}

// rank orders eligible candidates by affinity weight, keeping sampling
// order among equal weights.
func (e *Engine) rank(eligible []store.Candidate, senderThemes []string, affinity map[string]float64) []store.Candidate {
	maxScore := 0.0
	for _, s := range affinity {
		maxScore = math.Max(maxScore, s)
	}

	ws := make([]weighted, len(eligible))
	for i, c := range eligible {
		ws[i] = weighted{Candidate: c, weight: e.Weight(bestScore(c.Themes, senderThemes, affinity), maxScore)}
	}
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].weight > ws[j].weight })

	out := make([]store.Candidate, len(ws))
	for i, w := range ws {
		out[i] = w.Candidate
	}
	return out
}

// Weight is 1 + min(MaxBias, Scale × score / maxScore).
func (e *Engine) Weight(score, maxScore float64) float64 {
	if maxScore <= 0 || score <= 0 {
		return 1
	}
	return 1 + math.Min(e.cfg.AffinityMaxBias, e.cfg.AffinityScale*score/maxScore)
}

// bestScore is the sender's highest affinity over the candidate's themes,
// restricted to themes the sender shares when the sender has any.
func bestScore(candThemes, senderThemes []string, affinity map[string]float64) float64 {
	best := 0.0
	for _, t := range candThemes {
		if len(senderThemes) > 0 && !contains(senderThemes, t) {
			continue
		}
		best = math.Max(best, affinity[t])
	}
	return best
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func clampBand(b int) int {
	return max(0, min(b, maxBand))
}
