package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilBundleIsSilent(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordEmission("message.new")
		m.RecordMessageSent(3)
		m.RecordReflexExecution("executed")
		m.RecordHardConstraintHit()
		m.SetL1QueueDepth(7)
		m.RecordL1Batch(5)
		m.RecordGatewayConnect()
		m.RecordGatewayDisconnect()
	})
}

// New registers on the default registry, so it runs once per test binary.
func TestRecordMethodsUpdateInstruments(t *testing.T) {
	m := New()

	m.RecordEmission("message.new")
	m.RecordEmission("message.new")
	m.RecordEmission("timer.tick")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsEmitted.WithLabelValues("message.new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsEmitted.WithLabelValues("timer.tick")))

	m.RecordMessageSent(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent))
	assert.Equal(t, 1, testutil.CollectAndCount(m.InboxFanout))

	m.RecordReflexExecution("blocked")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReflexExecutions.WithLabelValues("blocked")))

	m.RecordHardConstraintHit()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HardConstraintHits))

	m.SetL1QueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.L1QueueDepth))

	m.RecordL1Batch(5)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.L1BatchesFlushed))
	assert.Equal(t, 1, testutil.CollectAndCount(m.L1BatchSize))

	m.RecordGatewayConnect()
	m.RecordGatewayConnect()
	m.RecordGatewayDisconnect()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatewayConnections))
}
