package reflex

import (
	"time"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/core"
)

// Match reports whether a reflex's trigger fires for the event. Pure: the
// only ambient input is the caller-supplied now, used by deadline triggers.
func Match(r *core.Reflex, ev BusEvent, now time.Time) bool {
	t := r.Trigger
	switch t.Kind {
	case core.TriggerEventType:
		if t.EventType != ev.Type {
			return false
		}
		if t.Condition == "downgrade" {
			return isDowngrade(ev.Payload)
		}
		return true

	case core.TriggerTimer:
		if ev.Type != string(bus.TopicTimerTick) {
			return false
		}
		if t.IntervalMs == 0 {
			return true
		}
		interval, ok := numField(ev.Payload, "intervalMs")
		return ok && int64(interval) == t.IntervalMs

	case core.TriggerTagIntersection:
		if t.EventType != ev.Type {
			return false
		}
		need := t.MinCommonTags
		if need <= 0 {
			need = 1
		}
		return commonTags(ev.Payload) >= need

	case core.TriggerThreshold:
		v, ok := numField(ev.Payload, t.Field)
		if !ok {
			return false
		}
		switch t.Op {
		case "lt":
			return v < t.Value
		case "lte":
			return v <= t.Value
		case "gt":
			return v > t.Value
		case "gte":
			return v >= t.Value
		}
		return false

	case core.TriggerCounter:
		v, ok := numField(ev.Payload, t.Field)
		if !ok || v != float64(int64(v)) {
			return false
		}
		switch t.Op {
		case "gt":
			return v > t.Value
		case "gte":
			return v >= t.Value
		}
		return false

	case core.TriggerDeadline:
		if t.EventType != "" && t.EventType != ev.Type {
			return false
		}
		closesAt, ok := timeField(ev.Payload, "closesAt")
		if !ok || !closesAt.After(now) {
			return false
		}
		return closesAt.Sub(now) <= time.Duration(t.WithinMs)*time.Millisecond

	case core.TriggerAnyExecution:
		return ev.Type == string(bus.TopicReflexExecution)

	case core.TriggerMultiHeartbeat:
		// The real predicate runs in the Layer-1 subsystem; Layer 0 only
		// forwards heartbeats.
		return ev.Type == string(bus.TopicHeartbeatReceived)
	}
	return false
}

// layerRankPayload maps the payload's string layers onto the core order.
func isDowngrade(p bus.Payload) bool {
	oldLayer, _ := p["oldLayer"].(string)
	newLayer, _ := p["newLayer"].(string)
	if oldLayer == "" || newLayer == "" {
		return false
	}
	return core.LayerRank(core.DunbarLayer(oldLayer)) > core.LayerRank(core.DunbarLayer(newLayer))
}

func commonTags(p bus.Payload) int {
	tags := stringsField(p, "domainTags")
	interests := stringsField(p, "senderInterests")
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	n := 0
	for _, i := range interests {
		if set[i] {
			n++
		}
	}
	return n
}

func numField(p bus.Payload, field string) (float64, bool) {
	switch v := p[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func stringsField(p bus.Payload, field string) []string {
	switch v := p[field].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func timeField(p bus.Payload, field string) (time.Time, bool) {
	switch v := p[field].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		return t, err == nil
	}
	return time.Time{}, false
}
