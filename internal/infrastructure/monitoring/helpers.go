package monitoring

// Snapshot returns a copy of the mirrored metric values for the JSON API.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// AverageRequestSeconds returns the mean request duration, 0 when no
// requests have been recorded.
func (m *Metrics) AverageRequestSeconds() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot.RequestCount == 0 {
		return 0
	}
	return m.snapshot.TotalDuration / float64(m.snapshot.RequestCount)
}
