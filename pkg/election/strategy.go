package election

import "context"

// Strategy defines the interface for leader election mechanisms. The
// production strategy is the store-backed term protocol; alternatives can
// be plugged in without touching the coordinator.
type Strategy interface {
	Start(ctx context.Context) error

	Stop() error

	// IsLeader reports this instance's current belief about its own role.
	IsLeader() bool

	// Leader returns the instance id currently recognized as leader.
	Leader() (string, error)

	// Elect forces a new election cycle and returns the winning instance id.
	Elect(ctx context.Context) (string, error)

	Name() string
}
