package bpf

import "sync/atomic"

// Stats reports how a provider's gate and programs have been exercised.
type Stats struct {
	Entered  uint64
	Rejected uint64
	Invoked  uint64
	Failed   uint64
}

type counters struct {
	entered  atomic.Uint64
	rejected atomic.Uint64
	invoked  atomic.Uint64
	failed   atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Entered:  c.entered.Load(),
		Rejected: c.rejected.Load(),
		Invoked:  c.invoked.Load(),
		Failed:   c.failed.Load(),
	}
}
