package model

import "time"

// Credential is a provisioned proxy user. UUID is the correlation key that ties
// the credential to its port assignment, its engine inbound and its traffic entry.
type Credential struct {
	ID        string
	Name      string
	UUID      string
	CreatedAt time.Time
	IsActive  bool
	Port      *int   // nil until a port has been allocated.
	ShortID   string // Per-credential Reality short id; never shared.
	Domain    string // Optional camouflage domain selected for this credential.
}

// HasPort reports whether a port has been allocated to the credential.
func (c Credential) HasPort() bool {
	return c.Port != nil && *c.Port > 0
}

// PortOrZero returns the allocated port, or 0 when none is set.
func (c Credential) PortOrZero() int {
	if c.Port == nil {
		return 0
	}
	return *c.Port
}
