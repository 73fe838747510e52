package identity

// LeakReport lists the two leak classes the periodic sweep detects:
// identities with no materialized instance past the staleness window, and
// instances with no identity (orphans).
type LeakReport struct {
	StaleIdentities []string
	OrphanInstances []string
}

// SweepLeaks inspects the registry against the live instance set.
// hasInstance reports whether a live in-memory instance exists for an
// identity; instanceIDs is the full set of live instance IDs. Orphans past
// the caller's stricter staleness threshold should be force-destroyed by the
// caller (the engine owns the instance table).
func (m *Manager) SweepLeaks(instanceIDs []string, hasInstance func(id string) bool) LeakReport {
	now := m.clock.Now()
	staleCutoff := now.Add(-m.cfg.StaleAfter.Std())

	m.mu.RLock()
	var report LeakReport
	for id, identity := range m.identities {
		if identity.UpdatedAt.After(staleCutoff) {
			continue
		}
		if hasInstance == nil || !hasInstance(id) {
			report.StaleIdentities = append(report.StaleIdentities, id)
		}
	}
	for _, instanceID := range instanceIDs {
		if _, ok := m.identities[instanceID]; !ok {
			report.OrphanInstances = append(report.OrphanInstances, instanceID)
		}
	}
	m.mu.RUnlock()

	if len(report.StaleIdentities) > 0 || len(report.OrphanInstances) > 0 {
		m.log.Warn().
			Int("staleIdentities", len(report.StaleIdentities)).
			Int("orphanInstances", len(report.OrphanInstances)).
			Msg("leak sweep found suspects")
	}
	return report
}
