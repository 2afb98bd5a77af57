package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/infigaming-com/go-coord/clock"
	"go.uber.org/zap"
)

const (
	// Bit allocation: 1 sign + 41 timestamp + 10 node + 12 sequence = 64
	timestampBits = 41
	nodeBits      = 10
	sequenceBits  = 12

	maxTimestamp = (1 << timestampBits) - 1
	maxNodeID    = (1 << nodeBits) - 1     // 1023
	maxSequence  = (1 << sequenceBits) - 1 // 4095

	nodeShift      = sequenceBits            // 12
	timestampShift = sequenceBits + nodeBits // 22
)

// Parts is a decoded ID.
type Parts struct {
	Timestamp time.Time
	NodeID    int64
	Sequence  int64
}

// Generator produces unique int64 snowflake IDs for one node.
// A Generator is safe for concurrent use; construct one per node ID and share it.
type Generator struct {
	mu            sync.Mutex
	millis        *clock.Millis
	nodeID        int64
	lastTime      int64 // last timestamp ms since epoch, -1 before the first ID
	sequence      int64
	maxClockDrift time.Duration
	leaseCheck    LeaseHealth
	metrics       GeneratorMetrics
	lg            *zap.Logger
}

// NewGenerator creates a snowflake ID generator for the given node ID (0-1023).
func NewGenerator(nodeID int64, opts ...Option) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidNodeID, nodeID)
	}

	o := defaultGeneratorOptions()
	for _, opt := range opts {
		opt(o)
	}

	g := &Generator{
		millis:        clock.NewMillis(o.clock, o.epoch).WithPollInterval(o.spinInterval),
		nodeID:        nodeID,
		lastTime:      -1,
		maxClockDrift: o.maxClockDrift,
		leaseCheck:    o.leaseCheck,
		metrics:       o.metrics,
		lg:            o.lg,
	}
	g.lg.Info("snowflake generator initialized", zap.Int64("nodeID", nodeID), zap.Time("epoch", o.epoch))
	return g, nil
}

// NextID generates a single unique int64 ID.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.leaseCheck != nil && !g.leaseCheck.IsHealthy() {
		return 0, ErrLeaseExpired
	}

	now, err := g.millis.Since(g.lastTime)
	if now < 0 {
		g.lg.Error("clock reads before the generator epoch, refusing to generate id",
			zap.Time("epoch", g.millis.Epoch()), zap.Int64("now", now))
		return 0, fmt.Errorf("%w: %dms early", ErrClockBeforeEpoch, -now)
	}
	if err != nil {
		g.metrics.OnClockRollback()
		drift := time.Duration(g.lastTime-now) * time.Millisecond
		if drift > g.maxClockDrift {
			g.lg.Error("clock moved backwards, refusing to generate id",
				zap.Int64("lastTime", g.lastTime), zap.Int64("now", now), zap.Duration("drift", drift))
			return 0, fmt.Errorf("%w: %w", ErrClockRollback, err)
		}
		// Small drift: wait it out once, then re-check.
		g.mu.Unlock()
		time.Sleep(drift)
		g.mu.Lock()
		now, err = g.millis.Since(g.lastTime)
		if err != nil {
			return 0, fmt.Errorf("%w: drift persists after sleep: %w", ErrClockRollback, err)
		}
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			g.metrics.OnSequenceOverflow()
			now = g.millis.WaitAfter(now)
		}
	} else {
		g.sequence = 0
	}

	if now > maxTimestamp {
		return 0, fmt.Errorf("%w: %d", ErrTimestampOverflow, now)
	}

	g.lastTime = now

	id := (now << timestampShift) | (g.nodeID << nodeShift) | g.sequence
	g.metrics.OnIDGenerated(1)
	return id, nil
}

// NextIDs generates count IDs by calling NextID sequentially.
// On failure it returns the IDs produced so far together with the error.
func (g *Generator) NextIDs(count int) ([]int64, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}

	ids := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		id, err := g.NextID()
		if err != nil {
			return ids, fmt.Errorf("batch generate at index %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NextIDString generates an ID in decimal string form.
func (g *Generator) NextIDString() (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// NodeID returns the node ID of this generator.
func (g *Generator) NodeID() int64 {
	return g.nodeID
}

// Epoch returns the generator's custom epoch.
func (g *Generator) Epoch() time.Time {
	return g.millis.Epoch()
}

// Time returns the wall-clock time encoded in id, interpreted with this generator's epoch.
func (g *Generator) Time(id int64) time.Time {
	return g.millis.ToTime(ParseTimestamp(id))
}

// Decompose extracts the timestamp, node ID, and sequence from an ID.
func (g *Generator) Decompose(id int64) Parts {
	return Parts{
		Timestamp: g.Time(id),
		NodeID:    ParseWorkerID(id),
		Sequence:  ParseSequence(id),
	}
}

// IsValid reports whether id could have been minted by a generator on this epoch:
// non-negative and carrying a timestamp no later than the current clock reading.
// The node and sequence fields are always in range for a non-negative id.
func (g *Generator) IsValid(id int64) bool {
	if id < 0 {
		return false
	}
	return ParseTimestamp(id) <= g.millis.Now()
}

// ParseTimestamp returns the milliseconds since epoch stored in id.
func ParseTimestamp(id int64) int64 {
	return (id >> timestampShift) & maxTimestamp
}

// ParseWorkerID returns the node ID stored in id.
func ParseWorkerID(id int64) int64 {
	return (id >> nodeShift) & maxNodeID
}

// ParseSequence returns the per-millisecond sequence stored in id.
func ParseSequence(id int64) int64 {
	return id & maxSequence
}

// Compose builds an ID from its components. It is the inverse of the Parse functions.
func Compose(timestamp, nodeID, sequence int64) (int64, error) {
	var errs []error
	if timestamp < 0 || timestamp > maxTimestamp {
		errs = append(errs, fmt.Errorf("%w: timestamp %d", ErrInvalidComponent, timestamp))
	}
	if nodeID < 0 || nodeID > maxNodeID {
		errs = append(errs, fmt.Errorf("%w: node id %d", ErrInvalidComponent, nodeID))
	}
	if sequence < 0 || sequence > maxSequence {
		errs = append(errs, fmt.Errorf("%w: sequence %d", ErrInvalidComponent, sequence))
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return (timestamp << timestampShift) | (nodeID << nodeShift) | sequence, nil
}
