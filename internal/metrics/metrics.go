// Package metrics normalises model names, applies pricing, and folds
// transcript events into per-model, per-project and global totals. It is a
// pure aggregator: it never performs I/O (see spec §4.D).
package metrics

import (
	"log/slog"
	"regexp"
	"time"

	"github.com/cco-dev/claude-code-orchestra/internal/transcript"
)

// Pricing is a (input, output, cache_write, cache_read) tuple in currency
// units per million tokens.
type Pricing struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

// defaultPricing is the baseline tuple used for any model not present in
// pricingTable. Values mirror the current Claude Sonnet-class pricing as
// a reasonable fallback; they are not authoritative.
var defaultPricing = Pricing{Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30}

// pricingTable is a small built-in table for the current model family.
// Keys are normalised model names (see Normalise).
var pricingTable = map[string]Pricing{
	"claude-opus-4":     {Input: 15.0, Output: 75.0, CacheWrite: 18.75, CacheRead: 1.50},
	"claude-sonnet-4-5": {Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-haiku-4-5":  {Input: 1.0, Output: 5.0, CacheWrite: 1.25, CacheRead: 0.10},
}

var trailingDateStamp = regexp.MustCompile(`-\d{8}$`)

// Normalise strips a trailing 8-digit date segment from a model name, e.g.
// "claude-sonnet-4-5-20250929" -> "claude-sonnet-4-5". Names without a
// trailing date stamp are returned unchanged. Only one segment is stripped,
// so the function is idempotent for names ending in at most one date stamp.
func Normalise(name string) string {
	return trailingDateStamp.ReplaceAllString(name, "")
}

// PricingFor looks up the normalised model name in the built-in table,
// returning the documented default and logging at debug on a miss.
func PricingFor(name string) Pricing {
	norm := Normalise(name)
	if p, ok := pricingTable[norm]; ok {
		return p
	}
	slog.Debug("metrics: unknown model, using default pricing", "model", name, "normalised", norm)
	return defaultPricing
}

// Cost converts a token count at the given per-million price into currency
// units.
func Cost(tokens uint64, pricePerMillion float64) float64 {
	return float64(tokens) / 1_000_000 * pricePerMillion
}

// Totals holds token sums across one or more categories, plus the derived
// cost.
type Totals struct {
	InputTokens      uint64
	OutputTokens     uint64
	CacheWriteTokens uint64
	CacheReadTokens  uint64
	Cost             float64
	MessageCount     uint64
}

func (t *Totals) add(u transcript.Usage, p Pricing) {
	t.InputTokens += u.InputTokens
	t.OutputTokens += u.OutputTokens
	t.CacheWriteTokens += u.CacheCreationInputTokens
	t.CacheReadTokens += u.CacheReadInputTokens
	t.Cost += Cost(u.InputTokens, p.Input) +
		Cost(u.OutputTokens, p.Output) +
		Cost(u.CacheCreationInputTokens, p.CacheWrite) +
		Cost(u.CacheReadInputTokens, p.CacheRead)
	t.MessageCount++
}

// ProjectTotals extends Totals with the project's name and activity span.
type ProjectTotals struct {
	Totals
	Project       string
	ConversationN uint64
	FirstActivity time.Time
	LastActivity  time.Time
}

// Snapshot is the aggregated tree described in spec §3: global totals, a
// per-model breakdown, and a per-project breakdown. Invariant: Global
// equals the sum over Projects equals the sum over Models.
type Snapshot struct {
	Global       Totals
	Conversation uint64
	ByModel      map[string]*Totals
	ByProject    map[string]*ProjectTotals
	UpdatedAt    time.Time
}

// NewSnapshot returns an empty Snapshot ready for folding.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		ByModel:   make(map[string]*Totals),
		ByProject: make(map[string]*ProjectTotals),
	}
}

// Fold applies one transcript.Event to the snapshot under the given
// project name, updating global, per-model and per-project accumulators.
// Fold is a pure function over its inputs aside from the in-place mutation
// of snap; it performs no I/O.
func (snap *Snapshot) Fold(project string, ev transcript.Event) {
	price := PricingFor(ev.Model)
	norm := Normalise(ev.Model)

	snap.Global.add(ev.Usage, price)

	model := snap.ByModel[norm]
	if model == nil {
		model = &Totals{}
		snap.ByModel[norm] = model
	}
	model.add(ev.Usage, price)

	proj := snap.ByProject[project]
	if proj == nil {
		proj = &ProjectTotals{Project: project}
		snap.ByProject[project] = proj
	}
	proj.add(ev.Usage, price)
	if ev.HasTime {
		if proj.FirstActivity.IsZero() || ev.Timestamp.Before(proj.FirstActivity) {
			proj.FirstActivity = ev.Timestamp
		}
		if ev.Timestamp.After(proj.LastActivity) {
			proj.LastActivity = ev.Timestamp
		}
	}

	if ev.HasTime && ev.Timestamp.After(snap.UpdatedAt) {
		snap.UpdatedAt = ev.Timestamp
	}
}

// FoldAll folds every event in events into the snapshot under project.
func (snap *Snapshot) FoldAll(project string, events []transcript.Event) {
	for _, ev := range events {
		snap.Fold(project, ev)
	}
}

// RegisterConversation increments the conversation count for the snapshot
// and for the named project. The watcher calls this once per distinct
// transcript file it has seen, since one file corresponds to one
// conversation.
func (snap *Snapshot) RegisterConversation(project string) {
	snap.Conversation++
	proj := snap.ByProject[project]
	if proj == nil {
		proj = &ProjectTotals{Project: project}
		snap.ByProject[project] = proj
	}
	proj.ConversationN++
}

// Clone returns a deep copy of the snapshot, used to publish a new
// immutable view for readers (spec §9 "snapshot visibility").
func (snap *Snapshot) Clone() *Snapshot {
	out := NewSnapshot()
	out.Global = snap.Global
	out.Conversation = snap.Conversation
	out.UpdatedAt = snap.UpdatedAt
	for k, v := range snap.ByModel {
		cp := *v
		out.ByModel[k] = &cp
	}
	for k, v := range snap.ByProject {
		cp := *v
		out.ByProject[k] = &cp
	}
	return out
}
