package scheduler

// gate counts in-flight work against a fixed ceiling. It is not safe for
// concurrent use; Scheduler serializes access with its mutex.
type gate struct {
	max      int
	inFlight int
}

func (g *gate) available() bool {
	return g.inFlight < g.max
}

func (g *gate) acquire() {
	g.inFlight++
}

func (g *gate) release() {
	if g.inFlight > 0 {
		g.inFlight--
	}
}
