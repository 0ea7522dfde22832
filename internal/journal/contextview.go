package journal

// ContextView is a scope-aware, snapshot-bounded projection over the
// journal. Providers and expressions read through views only; nothing
// committed after the snapshot is visible.
type ContextView struct {
	j        *Journal
	session  string
	snapshot uint64
	scope    Scope
	event    string
}

// NewContextView binds a view to (session, snapshot, scope, event).
func NewContextView(j *Journal, session string, snapshot uint64, scope Scope, event string) *ContextView {
	return &ContextView{j: j, session: session, snapshot: snapshot, scope: scope, event: event}
}

// Snapshot returns the commit bound of the view.
func (v *ContextView) Snapshot() uint64 { return v.snapshot }

// Scope returns the scope the view is bound to.
func (v *ContextView) Scope() Scope { return v.scope }

// Session returns the session the view reads.
func (v *ContextView) Session() string { return v.session }

// Get returns the nearest result for checkID: an exact-scope entry wins;
// otherwise the nearest ancestor scope; otherwise the most recent entry at
// any scope. Nil when the check has not committed anything visible.
func (v *ContextView) Get(checkID string) *Entry {
	entries := v.entriesFor(checkID)
	if len(entries) == 0 {
		return nil
	}
	if e := latestAtScope(entries, v.scope); e != nil {
		return e
	}
	for anc := v.scope.Parent(); ; anc = anc.Parent() {
		if e := latestAtScope(entries, anc); e != nil {
			return e
		}
		if anc.IsRoot() {
			break
		}
	}
	return entries[len(entries)-1]
}

// GetRaw returns the shallowest-scope entry for checkID, i.e. the
// aggregate result for forEach parents even when the view itself is bound
// to an item scope.
func (v *ContextView) GetRaw(checkID string) *Entry {
	entries := v.entriesFor(checkID)
	if len(entries) == 0 {
		return nil
	}
	best := entries[0]
	for _, e := range entries[1:] {
		switch {
		case e.Scope.Depth() < best.Scope.Depth():
			best = e
		case e.Scope.Depth() == best.Scope.Depth() && e.CommitID > best.CommitID:
			best = e
		}
	}
	return best
}

// GetHistory returns every visible entry for checkID in commit order.
func (v *ContextView) GetHistory(checkID string) []*Entry {
	return v.entriesFor(checkID)
}

// Has reports whether any visible entry exists for checkID.
func (v *ContextView) Has(checkID string) bool {
	return v.Get(checkID) != nil
}

// Checks returns the distinct check ids visible through the view, in
// first-commit order.
func (v *ContextView) Checks() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range v.j.ReadVisible(v.session, v.snapshot, v.event) {
		if !seen[e.CheckID] {
			seen[e.CheckID] = true
			out = append(out, e.CheckID)
		}
	}
	return out
}

// Outputs maps every visible check to its scope-appropriate output, the
// shape expressions receive as `outputs`.
func (v *ContextView) Outputs() map[string]any {
	out := map[string]any{}
	for _, id := range v.Checks() {
		if e := v.Get(id); e != nil && e.Result != nil {
			out[id] = e.Result.Output
		}
	}
	return out
}

// OutputsRaw maps every visible check to its aggregate output, the shape
// expressions receive as `outputs_raw`.
func (v *ContextView) OutputsRaw() map[string]any {
	out := map[string]any{}
	for _, id := range v.Checks() {
		if e := v.GetRaw(id); e != nil && e.Result != nil {
			out[id] = e.Result.Output
		}
	}
	return out
}

// WithScope returns a sibling view bound to a different scope at the same
// snapshot.
func (v *ContextView) WithScope(scope Scope) *ContextView {
	return NewContextView(v.j, v.session, v.snapshot, scope, v.event)
}

func (v *ContextView) entriesFor(checkID string) []*Entry {
	var out []*Entry
	for _, e := range v.j.ReadVisible(v.session, v.snapshot, v.event) {
		if e.CheckID == checkID {
			out = append(out, e)
		}
	}
	return out
}

func latestAtScope(entries []*Entry, scope Scope) *Entry {
	var best *Entry
	for _, e := range entries {
		if e.Scope.Equal(scope) && (best == nil || e.CommitID > best.CommitID) {
			best = e
		}
	}
	return best
}
