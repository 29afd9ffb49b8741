package engine

import (
	"trustmesh"
	"trustmesh/account"
)

// MachineFactory builds the state machine for one context. The registry
// starts it.
// Production: daemon wiring over the metadata store and ledger client
// Testing: account.New over fakes
type MachineFactory func(key trustmesh.ContextKey) (*account.Machine, error)
