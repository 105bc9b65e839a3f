package driven

import "context"

// PortProber checks whether a port is bound by any process on the host.
// Errors wrap ErrProbeFailure.
type PortProber interface {
	InUse(ctx context.Context, port int) (bool, error)
}
