package supervisor

// restartWindow is the sliding window of recent restart timestamps
// (spec §3 "Supervisor state holds ... a sliding window of recent
// restart timestamps", §4.E "Restart intensity", §8 invariant 8).
type restartWindow struct {
	timestampsMs []int64
}

// allow records an intended restart at nowMs and reports whether it is
// permitted: the count of restarts within the trailing withinMs window,
// including this one, must not exceed maxRestarts.
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
