package plugin

// RequiredGate diffs a server-mandated list of plugin ids against the
// lifecycle manager's state. Consumed by login/setup flows; recomputed
// on demand, never pushed.
type RequiredGate struct {
	manager *Manager
}

// NewRequiredGate creates a gate reader over the given manager.
func NewRequiredGate(manager *Manager) *RequiredGate {
	return &RequiredGate{manager: manager}
}

// MissingRequired returns the required ids that are not enabled with
// status ok. Order follows requiredIDs.
func (g *RequiredGate) MissingRequired(requiredIDs []string) []string {
	missing := make([]string, 0, len(requiredIDs))
	for _, id := range requiredIDs {
		st, ok := g.manager.GetInstalledState(id)
		if !ok || !st.EffectivelyEnabled() {
			missing = append(missing, id)
		}
	}
	return missing
}

// Satisfied reports whether every required plugin is enabled and ok.
func (g *RequiredGate) Satisfied(requiredIDs []string) bool {
	return len(g.MissingRequired(requiredIDs)) == 0
}
