package engine

// Change is an immutable record of one committed row mutation,
// including cascaded deletes. It is emitted once per row per request
// and consumed by the notification layer for cache invalidation and
// broadcast; the engine itself never reads it back.
type Change struct {
	// Mode is the committed operation: insert, update or delete.
	Mode Mode `json:"mode"`
	// Path locates the mutation in the request graph, e.g.
	// "posts/42" or "posts/42/comments/7".
	Path string `json:"path"`
	// Row is the post-commit row (pre-delete row for deletes).
	Row map[string]any `json:"row"`
	// Views lists logical views the table declares itself part of, so
	// downstream invalidation can fan out beyond the table itself.
	Views []string `json:"views,omitempty"`
}

// WriteResult is what every committed write returns to the dispatch
// layer: the shaped result, the ordered mutation list, and an id the
// notification layer can de-duplicate on.
type WriteResult struct {
	Result   any      `json:"result"`
	Changes  []Change `json:"changes"`
	ChangeID string   `json:"changeId"`
}
