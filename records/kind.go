// Package records defines the domain records persisted by the storage
// consumers, one Kind per deployment.
package records

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/zeebo/blake3"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// Kind names a record type and the consumer deployment that stores it.
type Kind string

const (
	KindCapabilityRollup           Kind = "capability-rollup"
	KindRawStationFrame            Kind = "raw-station-frame"
	KindStationSOH                 Kind = "station-soh"
	KindSystemMessage              Kind = "system-message"
	KindQuietedStatusChange        Kind = "quieted-status-change"
	KindUnacknowledgedStatusChange Kind = "unacknowledged-status-change"
)

var kinds = []Kind{
	KindCapabilityRollup,
	KindRawStationFrame,
	KindStationSOH,
	KindSystemMessage,
	KindQuietedStatusChange,
	KindUnacknowledgedStatusChange,
}

// Kinds returns every known kind in a stable order.
func Kinds() []Kind {
	return slices.Clone(kinds)
}

// ParseKind validates name against the closed set of kinds.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if !k.Valid() {
		return "", errors.WrapInvalid(fmt.Errorf("%w: unknown record kind %q", errors.ErrInvalidConfig, name),
			"records", "ParseKind", "validate kind")
	}
	return k, nil
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return slices.Contains(kinds, k)
}

func (k Kind) String() string { return string(k) }

// Subject is the default bus subject prefix for k. Partitions append
// ".<n>".
func (k Kind) Subject() string { return "records." + string(k) }

// Stream is the default JetStream stream name for k.
func (k Kind) Stream() string {
	out := make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		switch {
		case c == '-':
			out = append(out, '_')
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// PartitionOf maps key onto one of n partitions. Records with the same key
// always land on the same partition, which keeps them ordered.
func PartitionOf(key string, n int) int {
	if n <= 1 {
		return 0
	}
	sum := blake3.Sum256([]byte(key))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}
