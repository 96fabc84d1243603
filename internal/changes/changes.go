// Package changes memoizes method runs inside each entity.
//
// Every successful run of a method records a history entry under
// meta.history[method] holding a content hash of the entity as it was
// before the entry was attached. A later run is only needed when that hash no
// longer matches.
package changes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/stencila/jesta/internal/node"
)

// DefaultAgent is recorded as the agent of history entries.
const DefaultAgent = "jesta"

// Entry is a single history record.
type Entry struct {
	Agent           string  `json:"agent"`
	Timestamp       string  `json:"timestamp"`
	DurationSeconds float64 `json:"durationSeconds"`
	ContentHash     string  `json:"contentHash"`
}

// Tracker records history entries on behalf of an agent.
type Tracker struct {
	Agent string
	now   func() time.Time
}

// NewTracker creates a tracker. An empty agent uses DefaultAgent.
func NewTracker(agent string) *Tracker {
	if agent == "" {
		agent = DefaultAgent
	}
	return &Tracker{Agent: agent, now: time.Now}
}

// Hash computes the content hash of an entity.
//
// Every "meta" key is dropped, at any depth, and the remainder is serialised
// as JSON with object keys in lexicographic byte order (encoding/json sorts
// map keys) before hashing with SHA-256.
func Hash(e node.Entity) string {
	data, err := json.Marshal(stripMeta(map[string]any(e)))
	if err != nil {
		// Only JSON-shaped values live in a document, so this is unreachable
		// for decoded input; hash the error so the result stays deterministic.
		data = []byte(err.Error())
	}
	return hashBytes(data)
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func stripMeta(n node.Node) node.Node {
	switch v := n.(type) {
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = stripMeta(child)
		}
		return out
	default:
		m, ok := node.AsMap(n)
		if !ok {
			return n
		}
		out := make(map[string]any, len(m))
		for k, child := range m {
			if k == "meta" {
				continue
			}
			out[k] = stripMeta(child)
		}
		return out
	}
}

// Previous returns the stored history entry for a method.
func Previous(e node.Entity, method string) (Entry, bool) {
	history, _ := e.Meta()["history"].(map[string]any)
	raw, ok := history[method]
	if !ok {
		return Entry{}, false
	}
	switch v := raw.(type) {
	case Entry:
		return v, true
	case map[string]any:
		var entry Entry
		entry.Agent, _ = v["agent"].(string)
		entry.Timestamp, _ = v["timestamp"].(string)
		entry.DurationSeconds, _ = v["durationSeconds"].(float64)
		entry.ContentHash, _ = v["contentHash"].(string)
		return entry, entry.ContentHash != ""
	}
	return Entry{}, false
}

// Needed reports whether method has to run on e: either it never ran, or the
// entity changed since it last did.
func Needed(e node.Entity, method string) bool {
	prev, ok := Previous(e, method)
	if !ok {
		return true
	}
	return prev.ContentHash != Hash(e)
}

// Record returns a copy of e with a history entry for method. The hash is
// taken before the entry is attached.
func (t *Tracker) Record(e node.Entity, method string, seconds float64) node.Entity {
	hash := Hash(e)
	out := make(node.Entity, len(e)+1)
	for k, v := range e {
		out[k] = v
	}

	meta := make(map[string]any)
	for k, v := range e.Meta() {
		meta[k] = v
	}
	history := make(map[string]any)
	if prev, ok := meta["history"].(map[string]any); ok {
		for k, v := range prev {
			history[k] = v
		}
	}
	history[method] = map[string]any{
		"agent":           t.Agent,
		"timestamp":       t.now().UTC().Format(time.RFC3339Nano),
		"durationSeconds": seconds,
		"contentHash":     hash,
	}
	meta["history"] = history
	out["meta"] = meta
	return out
}

// Timer measures the duration of a method run.
type Timer struct {
	start time.Time
}

// Start begins timing.
func Start() Timer {
	return Timer{start: time.Now()}
}

// Seconds returns the elapsed time in seconds.
func (t Timer) Seconds() float64 {
	return time.Since(t.start).Seconds()
}
