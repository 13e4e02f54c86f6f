package knowledge

import "time"

// Type is the closed set of knowledge item kinds (spec §3).
type Type string

const (
	TypeDecision       Type = "decision"
	TypeArchitecture   Type = "architecture"
	TypeImplementation Type = "implementation"
	TypeConfiguration  Type = "configuration"
	TypeCredential     Type = "credential"
	TypeIssue          Type = "issue"
	TypeGeneral        Type = "general"
	// TypeSystem marks the initialisation sentinel row; never returned from
	// queries (spec §4.J).
	TypeSystem Type = "system"
)

// MaxTextBytes bounds stored text (spec §3 "Knowledge item").
const MaxTextBytes = 100_000

// Item is one row of the per-repository knowledge table.
type Item struct {
	ID        string
	Vector    [VectorDim]float32
	Text      string
	Type      Type
	ProjectID string
	SessionID string
	Agent     string
	Timestamp time.Time
	Metadata  map[string]any
}

// NewItem is the caller-supplied shape before ID/vector assignment.
type NewItem struct {
	Text      string
	Type      Type
	ProjectID string
	SessionID string
	Agent     string
	Metadata  map[string]any
}

// SearchFilters are the optional equality filters applied after k-NN
// oversampling (spec §4.J "search").
type SearchFilters struct {
	ProjectID string
	Type      Type
	Agent     string
}

// ScoredItem pairs an Item with its relevance score (lower is more similar).
type ScoredItem struct {
	Item  Item
	Score float64
}

// Stats summarises one repository's knowledge table (spec §4.J "stats").
type Stats struct {
	Repository  string
	RowCount    int
	ByType      map[Type]int
	ByAgent     map[string]int
	ByProject   map[string]int
	OldestStamp time.Time
	NewestStamp time.Time
}
