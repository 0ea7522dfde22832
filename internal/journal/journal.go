// Package journal is the append-only record of committed check results.
// Every read goes through a snapshot-bounded ContextView, which is what
// makes retries and cross-wave visibility deterministic: a reader sees a
// prefix of the commit order, never a torn state.
package journal

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/droverhq/drover/internal/review"
)

// ScopeFrame is one step of a forEach item path.
type ScopeFrame struct {
	Check string `json:"check"`
	Index int    `json:"index"`
}

// Scope is an ordered path of frames. The empty scope is the aggregate
// (root) level.
type Scope []ScopeFrame

// RootScope is the aggregate level.
var RootScope = Scope(nil)

// IsRoot reports whether s is the aggregate level.
func (s Scope) IsRoot() bool { return len(s) == 0 }

// Depth is the number of frames.
func (s Scope) Depth() int { return len(s) }

// Child extends s by one frame.
func (s Scope) Child(check string, index int) Scope {
	out := make(Scope, len(s)+1)
	copy(out, s)
	out[len(s)] = ScopeFrame{Check: check, Index: index}
	return out
}

// Parent drops the deepest frame. The parent of the root is the root.
func (s Scope) Parent() Scope {
	if len(s) == 0 {
		return nil
	}
	return s[:len(s)-1]
}

// Equal reports frame-wise equality.
func (s Scope) Equal(other Scope) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders "root" or "list[0]/greet[2]".
func (s Scope) String() string {
	if len(s) == 0 {
		return "root"
	}
	out := ""
	for i, f := range s {
		if i > 0 {
			out += "/"
		}
		out += fmt.Sprintf("%s[%d]", f.Check, f.Index)
	}
	return out
}

// Entry is one committed result. Immutable once committed; routing-side
// mutation happens by superseding, never in place.
type Entry struct {
	CommitID    uint64          `json:"commitId"`
	SessionID   string          `json:"sessionId"`
	Scope       Scope           `json:"scope,omitempty"`
	CheckID     string          `json:"checkId"`
	Event       string          `json:"event,omitempty"`
	Result      *review.Summary `json:"result"`
	Digest      string          `json:"digest,omitempty"`
	CommittedAt time.Time       `json:"committedAt"`

	superseded bool
}

// Journal is the commit log. One mutex serializes writers; commit ids are
// strictly monotonic in insertion order.
type Journal struct {
	mu      sync.Mutex
	entries []*Entry
	commit  uint64
}

// New returns an empty journal.
func New() *Journal {
	return &Journal{}
}

// BeginSnapshot returns the current commit high-water mark. A view bound
// to this value sees exactly the entries committed so far.
func (j *Journal) BeginSnapshot() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commit
}

// Commit assigns the next commit id to e, stamps a content digest, and
// appends it. Scoped entries require their ancestor chain to already be
// present; a violation is an invariant break, not a user error.
func (j *Journal) Commit(e Entry) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commitLocked(e)
}

func (j *Journal) commitLocked(e Entry) (*Entry, error) {
	if e.CheckID == "" {
		return nil, fmt.Errorf("journal: entry missing check id")
	}
	if e.Result == nil {
		e.Result = &review.Summary{}
	}
	for d := e.Scope.Depth() - 1; d >= 0; d-- {
		if !j.hasScopeLocked(e.SessionID, e.Scope[:d]) {
			return nil, fmt.Errorf("journal: scope %s has no ancestor entry at depth %d", e.Scope, d)
		}
	}

	j.commit++
	stored := e
	stored.CommitID = j.commit
	if stored.CommittedAt.IsZero() {
		stored.CommittedAt = time.Now()
	}
	stored.Digest = digest(&stored)
	j.entries = append(j.entries, &stored)
	return &stored, nil
}

// Supersede hides the entry at commitID from every future read and commits
// a replacement with the given result under a fresh commit id, atomically.
// This is the routing return path: fail_if and loop-budget issues land on
// the entry readers actually see.
func (j *Journal) Supersede(commitID uint64, result *review.Summary) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var old *Entry
	for _, e := range j.entries {
		if e.CommitID == commitID && !e.superseded {
			old = e
			break
		}
	}
	if old == nil {
		return nil, fmt.Errorf("journal: no live entry with commit id %d", commitID)
	}
	old.superseded = true
	replacement, err := j.commitLocked(Entry{
		SessionID: old.SessionID,
		Scope:     old.Scope,
		CheckID:   old.CheckID,
		Event:     old.Event,
		Result:    result,
	})
	if err != nil {
		old.superseded = false
		return nil, err
	}
	return replacement, nil
}

// ReadVisible returns live entries for the session with commit ids at or
// below commitMax, in commit order. An empty event matches everything;
// otherwise entries with a differing non-empty event are filtered out.
func (j *Journal) ReadVisible(session string, commitMax uint64, event string) []*Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*Entry
	for _, e := range j.entries {
		if e.CommitID > commitMax {
			break
		}
		if e.superseded || e.SessionID != session {
			continue
		}
		if event != "" && e.Event != "" && e.Event != event {
			continue
		}
		out = append(out, e)
	}
	return out
}

// OutputHistory returns, per check, every live output in commit order.
func (j *Journal) OutputHistory(session string) map[string][]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := map[string][]any{}
	for _, e := range j.entries {
		if e.superseded || e.SessionID != session || e.Result == nil {
			continue
		}
		out[e.CheckID] = append(out[e.CheckID], e.Result.Output)
	}
	return out
}

// Len is the number of live entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if !e.superseded {
			n++
		}
	}
	return n
}

func (j *Journal) hasScopeLocked(session string, scope Scope) bool {
	for _, e := range j.entries {
		if e.superseded || e.SessionID != session {
			continue
		}
		if e.Scope.Equal(scope) {
			return true
		}
	}
	return false
}

func digest(e *Entry) string {
	body, err := json.Marshal(struct {
		Session string          `json:"session"`
		Scope   Scope           `json:"scope"`
		Check   string          `json:"check"`
		Event   string          `json:"event"`
		Result  *review.Summary `json:"result"`
	}{e.SessionID, e.Scope, e.CheckID, e.Event, e.Result})
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}
