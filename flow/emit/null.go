package emit

// NullSink discards every event. Useful as a default when no cross-cutting
// observability is wired up, and in tests that only care about the
// per-subscription delivery path.
type NullSink struct{}

func (NullSink) Observe(Event) {}
