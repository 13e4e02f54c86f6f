package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// SessionSummary is returned by SessionStart.
type SessionSummary struct {
	Items   []Item
	Summary string
}

// SessionStart returns the limit most recent non-system items plus a
// one-line summary string (spec §4.J "session_start").
func (s *Store) SessionStart(ctx context.Context, limit int) (SessionSummary, error) {
	items, err := s.GetProjectKnowledge(ctx, "", "", limit)
	if err != nil {
		return SessionSummary{}, err
	}
	return SessionSummary{
		Items:   items,
		Summary: fmt.Sprintf("%d knowledge item(s) loaded for %s", len(items), s.repository),
	}, nil
}

// classificationRules maps a keyword to the Type it implies. Checked in
// table order against a lower-cased chunk; first match wins.
var classificationRules = []struct {
	keyword string
	typ     Type
}{
	{"decided", TypeDecision},
	{"decision", TypeDecision},
	{"architecture", TypeArchitecture},
	{"design", TypeArchitecture},
	{"implement", TypeImplementation},
	{"config", TypeConfiguration},
	{"credential", TypeCredential},
	{"password", TypeCredential},
	{"secret", TypeCredential},
	{"bug", TypeIssue},
	{"issue", TypeIssue},
	{"error", TypeIssue},
}

// agentHints maps a keyword to the agent role it implies.
var agentHints = []string{"planner", "reviewer", "implementer", "tester", "researcher"}

func classify(chunk string) Type {
	lower := strings.ToLower(chunk)
	for _, rule := range classificationRules {
		if strings.Contains(lower, rule.keyword) {
			return rule.typ
		}
	}
	return TypeGeneral
}

func extractAgent(chunk string) string {
	lower := strings.ToLower(chunk)
	for _, hint := range agentHints {
		if strings.Contains(lower, hint) {
			return hint
		}
	}
	return ""
}

// PreCompactionResult reports what PreCompaction stored.
type PreCompactionResult struct {
	Count int
	IDs   []string
}

// PreCompaction splits conversation on blank-line boundaries, classifies
// each chunk of at least 50 characters by keyword, extracts an agent hint
// if present, and stores each as one item (spec §4.J "pre_compaction").
func (s *Store) PreCompaction(ctx context.Context, conversation, projectID, sessionID string) (PreCompactionResult, error) {
	chunks := strings.Split(conversation, "\n\n")

	var items []NewItem
	for _, chunk := range chunks {
		trimmed := strings.TrimSpace(chunk)
		if len(trimmed) < 50 {
			continue
		}
		items = append(items, NewItem{
			Text:      trimmed,
			Type:      classify(trimmed),
			ProjectID: projectID,
			SessionID: sessionID,
			Agent:     extractAgent(trimmed),
		})
	}

	ids := s.StoreBatch(ctx, items)
	return PreCompactionResult{Count: len(ids), IDs: ids}, nil
}

// PostCompactionSummary is assembled from a search against the current
// task plus a handful of recent items (spec §4.J "post_compaction").
type PostCompactionSummary struct {
	CountsByType  map[Type]int
	CountsByAgent map[string]int
	TopDecisions  []Item
	RecentActivity []Item
}

// PostCompaction runs Search against currentTask, fetches a few recent
// items, and assembles counts by type, counts by agent, top decisions, and
// recent activity.
func (s *Store) PostCompaction(ctx context.Context, currentTask, projectID string, limit int) (PostCompactionSummary, error) {
	relevant, err := s.Search(ctx, currentTask, limit, SearchFilters{ProjectID: projectID})
	if err != nil {
		return PostCompactionSummary{}, err
	}

	recent, err := s.GetProjectKnowledge(ctx, projectID, "", limit)
	if err != nil {
		return PostCompactionSummary{}, err
	}

	summary := PostCompactionSummary{
		CountsByType:  map[Type]int{},
		CountsByAgent: map[string]int{},
	}

	var decisions []Item
	for _, r := range relevant {
		summary.CountsByType[r.Item.Type]++
		if r.Item.Agent != "" {
			summary.CountsByAgent[r.Item.Agent]++
		}
		if r.Item.Type == TypeDecision {
			decisions = append(decisions, r.Item)
		}
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].Timestamp.After(decisions[j].Timestamp) })
	if len(decisions) > 5 {
		decisions = decisions[:5]
	}
	summary.TopDecisions = decisions
	summary.RecentActivity = recent

	return summary, nil
}
