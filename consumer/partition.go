package consumer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// State is where a partition's current batch is in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateReceived
	StatePersisting
	StatePersisted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateReceived:
		return "received"
	case StatePersisting:
		return "persisting"
	case StatePersisted:
		return "persisted"
	default:
		return "unknown"
	}
}

// PartitionStatus is a point-in-time view of one partition.
type PartitionStatus struct {
	Partition      string `json:"partition"`
	State          string `json:"state"`
	LastAcked      uint64 `json:"last_acked"`
	HasAcked       bool   `json:"has_acked"`
	FailedAttempts int64  `json:"failed_attempts"`
}

// partition holds the ack cursor of one partition. Only the partition's own
// goroutine writes it.
type partition struct {
	name           string
	state          atomic.Int32
	failedAttempts atomic.Int64

	mu        sync.Mutex
	lastAcked uint64
	hasAcked  bool
}

func (p *partition) setState(s State) {
	p.state.Store(int32(s))
}

// checkOffset rejects a batch whose offset does not lie beyond the cursor.
func (p *partition) checkOffset(offset uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasAcked && offset <= p.lastAcked {
		return fmt.Errorf("%w: partition %s offset %d not after acknowledged %d",
			errors.ErrOffsetRegression, p.name, offset, p.lastAcked)
	}
	return nil
}

func (p *partition) advance(offset uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAcked = offset
	p.hasAcked = true
}

func (p *partition) status() PartitionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PartitionStatus{
		Partition:      p.name,
		State:          State(p.state.Load()).String(),
		LastAcked:      p.lastAcked,
		HasAcked:       p.hasAcked,
		FailedAttempts: p.failedAttempts.Load(),
	}
}
