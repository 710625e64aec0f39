package metrics

import "time"

// UnitStarted satisfies bootloader.Observer; nothing is recorded until the
// unit finishes.
func (m *ServerMetrics) UnitStarted(string) {}

// UnitFinished records one boot unit run.
func (m *ServerMetrics) UnitFinished(name string, took time.Duration, err error) {
	m.bootUnitsExecuted.Inc()
	m.bootUnitDuration.WithLabelValues(name).Observe(took.Seconds())
	if err != nil {
		m.bootUnitFailures.WithLabelValues(name).Inc()
	}
}

// SetBootCompleted stamps the time a boot finished without error.
func (m *ServerMetrics) SetBootCompleted(t time.Time) {
	m.bootCompletedTs.Set(float64(t.Unix()))
}
