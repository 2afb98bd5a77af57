package snowflake

import "errors"

var (
	// ErrClockRollback is returned when the system clock moves backward beyond maxClockDrift.
	// It is fatal for the call and never retried by the generator.
	ErrClockRollback = errors.New("snowflake: clock rollback exceeds max drift")

	// ErrClockBeforeEpoch is returned when the clock reads earlier than the generator epoch.
	ErrClockBeforeEpoch = errors.New("snowflake: clock is before the epoch")

	// ErrLeaseExpired is returned when the node lease has expired.
	ErrLeaseExpired = errors.New("snowflake: node lease expired")

	// ErrInvalidNodeID is returned when node ID is out of valid range.
	ErrInvalidNodeID = errors.New("snowflake: node ID must be between 0 and 1023")

	// ErrInvalidCount is returned when a batch size is not positive.
	ErrInvalidCount = errors.New("snowflake: count must be positive")

	// ErrInvalidComponent is returned by Compose for out-of-range fields.
	ErrInvalidComponent = errors.New("snowflake: id component out of range")

	// ErrTimestampOverflow is returned once the 41-bit timestamp field is exhausted.
	ErrTimestampOverflow = errors.New("snowflake: timestamp exceeds 41 bits since epoch")

	// ErrNoAvailableNode is returned when all 1024 node slots are occupied.
	ErrNoAvailableNode = errors.New("snowflake: no available node ID")

	// ErrLeaseNotHeld is returned when trying to renew/release a lease not held by this holder.
	ErrLeaseNotHeld = errors.New("snowflake: lease not held by this holder")
)
