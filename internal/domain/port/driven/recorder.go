package driven

// Recorder receives operational events for metrics export. Implementations
// must be safe for concurrent use.
type Recorder interface {
	PortAssigned()
	PortReleased()
	PortsInUse(n int)
	ProbeFailed()
	LiveApplyFailed(op string)
	DocumentRolledBack(op string)
	TrafficSampled(source string)
	TrafficBytesAccounted(n int64)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) PortAssigned()               {}
func (NopRecorder) PortReleased()               {}
func (NopRecorder) PortsInUse(int)              {}
func (NopRecorder) ProbeFailed()                {}
func (NopRecorder) LiveApplyFailed(string)      {}
func (NopRecorder) DocumentRolledBack(string)   {}
func (NopRecorder) TrafficSampled(string)       {}
func (NopRecorder) TrafficBytesAccounted(int64) {}
