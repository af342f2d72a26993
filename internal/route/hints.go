package route

import "time"

// Hints is the literal encoding of the hint set the route selector applies
// after its priority ladder. Hints come from an external source (e.g. a
// SQL comment or admin override) and are supplied by the caller alongside
// the classifier output.
type Hints struct {
	RouteToMaster      bool
	RouteToNamedServer bool
	NamedServer        string
	RouteToLastUsed    bool
	RouteToSlave       bool
	MaxSlaveLag        time.Duration
}

func (h Hints) hasMaxSlaveLag() bool { return h.MaxSlaveLag > 0 }
