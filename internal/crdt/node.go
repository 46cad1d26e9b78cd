package crdt

// Node holds the metadata and content for a single document element. Deleted
// nodes are retained as tombstones so positions referenced by concurrent
// remote operations stay resolvable; there is no tombstone compaction, which
// bounds memory by total edit volume for the session's lifetime.
type Node struct {
	Position    Position  `json:"position"`
	Value       string    `json:"value"`
	OriginLeft  *Position `json:"origin_left,omitempty"`
	OriginRight *Position `json:"origin_right,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
}
