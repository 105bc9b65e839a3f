package model

import "time"

// PortAssignment binds one listening port to one credential.
type PortAssignment struct {
	Port       int
	UUID       string
	KeyID      string
	KeyName    string
	AssignedAt time.Time
	IsActive   bool
}

// PortRange is an inclusive range of ports handed out by the allocator.
type PortRange struct {
	Start int
	End   int
}

// Capacity returns the number of ports in the range.
func (r PortRange) Capacity() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Contains reports whether port lies inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// PortUsage summarises allocator occupancy.
type PortUsage struct {
	Used      int
	Available int
	Capacity  int
}

// PortValidation is the result of cross-checking the assignment indices.
type PortValidation struct {
	Valid            bool
	Issues           []string
	TotalAssignments int
	TotalUsedPorts   int
}
