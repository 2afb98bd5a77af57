package snowflake

// GeneratorMetrics observes ID generation.
type GeneratorMetrics interface {
	OnIDGenerated(count int)
	OnClockRollback()
	OnSequenceOverflow()
}

// LeaseMetrics observes the node lease lifecycle.
type LeaseMetrics interface {
	OnLeaseAcquired(nodeID int64)
	OnLeaseRenewed()
	OnLeaseRenewFail()
	// OnLeaseExpired fires once when repeated renewal failures mark the lease unhealthy.
	OnLeaseExpired()
	OnLeaseReleased()
}

// MetricsHook bridges snowflake events to a metrics backend; observability/metrics.Hooks
// and observability/prom.Registry both implement it.
type MetricsHook interface {
	GeneratorMetrics
	LeaseMetrics
}

type noopMetrics struct{}

var _ MetricsHook = noopMetrics{}

func (noopMetrics) OnIDGenerated(int)     {}
func (noopMetrics) OnClockRollback()      {}
func (noopMetrics) OnSequenceOverflow()   {}
func (noopMetrics) OnLeaseAcquired(int64) {}
func (noopMetrics) OnLeaseRenewed()       {}
func (noopMetrics) OnLeaseRenewFail()     {}
func (noopMetrics) OnLeaseExpired()       {}
func (noopMetrics) OnLeaseReleased()      {}
