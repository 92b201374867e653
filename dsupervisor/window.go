package dsupervisor

import "time"

// restartWindow is the sliding window of recent restart timestamps,
// mirroring supervisor.restartWindow (unexported there, so kept as its
// own small copy here) for identical restart-intensity semantics across
// the local/distributed supervisor boundary (spec §4.E "Restart
// intensity", §4.L "Restart intensity ... match 4.E").
type restartWindow struct {
	timestampsMs []int64
}

func (w *restartWindow) allow(nowMs int64, maxRestarts int, withinMs int64) bool {
	cutoff := nowMs - withinMs
	kept := w.timestampsMs[:0]
	for _, ts := range w.timestampsMs {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	w.timestampsMs = kept

	if len(w.timestampsMs) >= maxRestarts {
		return false
	}
	w.timestampsMs = append(w.timestampsMs, nowMs)
	return true
}

func nowMs() int64 { return time.Now().UnixMilli() }
