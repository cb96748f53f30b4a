package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TakeSnapshot gathers the current values of every collector into the
// JSON shape served by the admin surface. g is usually the same registry
// the collectors were registered on.
func (r *Registry) TakeSnapshot(g prometheus.Gatherer) (Snapshot, error) {
	snap := Snapshot{
		MessagesByOutcome: map[string]float64{},
		QueueSizes:        map[string]float64{},
		PoolSizes:         map[string]float64{},
	}

	families, err := g.Gather()
	if err != nil {
		return snap, err
	}
	for _, fam := range families {
		ms := fam.GetMetric()
		if len(ms) == 0 {
			continue
		}
		switch fam.GetName() {
		case "chat_connections_total":
			snap.ConnectionsTotal = ms[0].GetCounter().GetValue()
		case "chat_connections_active":
			snap.ConnectionsActive = ms[0].GetGauge().GetValue()
		case "chat_connections_authenticated":
			snap.ConnectionsAuthenticated = ms[0].GetGauge().GetValue()
		case "chat_dropped_events_total":
			snap.DroppedEvents = ms[0].GetCounter().GetValue()
		case "chat_queue_overflows_total":
			snap.QueueOverflows = ms[0].GetCounter().GetValue()
		case "chat_messages_total":
			for _, m := range ms {
				var typ, outcome string
				for _, lp := range m.GetLabel() {
					switch lp.GetName() {
					case "type":
						typ = lp.GetValue()
					case "outcome":
						outcome = lp.GetValue()
					}
				}
				snap.MessagesByOutcome[typ+"/"+outcome] = m.GetCounter().GetValue()
			}
		case "chat_queue_size":
			for _, m := range ms {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "queue" {
						snap.QueueSizes[lp.GetValue()] = m.GetGauge().GetValue()
					}
				}
			}
		case "chat_db_pool_size":
			for _, m := range ms {
				var role, state string
				for _, lp := range m.GetLabel() {
					switch lp.GetName() {
					case "role":
						role = lp.GetValue()
					case "state":
						state = lp.GetValue()
					}
				}
				snap.PoolSizes[role+"/"+state] = m.GetGauge().GetValue()
			}
		}
	}

	snap.AvgProcessingLatencyMs, snap.P99ProcessingLatencyMs = r.LatencyStats()
	snap.ThroughputPerSecond = r.Throughput()
	return snap, nil
}
