package records

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// Sample builds a plausible record of kind k for station. The publish
// command uses it to feed a running consumer.
func Sample(k Kind, station string, now time.Time) (Record, error) {
	id := uuid.NewString()
	switch k {
	case KindCapabilityRollup:
		return CapabilityRollup{
			ID:                id,
			Time:              now,
			StationGroup:      "PRIMARY",
			GroupStatus:       StatusGood,
			StationStatuses:   map[string]Status{station: StatusGood},
			BasedOnStationSOH: []string{uuid.NewString()},
		}, nil
	case KindRawStationFrame:
		return RawStationFrame{
			ID:                   id,
			StationName:          station,
			ChannelNames:         []string{station + ".BHZ"},
			PayloadFormat:        "CD11",
			PayloadStart:         now.Add(-10 * time.Second),
			PayloadEnd:           now,
			ReceptionTime:        now,
			AuthenticationStatus: "NOT_YET_AUTHENTICATED",
			Payload:              []byte(station),
		}, nil
	case KindStationSOH:
		return StationSOH{
			ID:          id,
			Time:        now,
			StationName: station,
			Values: []MonitorValue{
				{MonitorType: "MISSING", Value: 0, Status: StatusGood},
				{MonitorType: "LAG", Value: 2.5, Status: StatusMarginal},
			},
		}, nil
	case KindSystemMessage:
		return SystemMessage{
			ID:          id,
			Time:        now,
			Message:     fmt.Sprintf("Station %s changed to GOOD", station),
			Type:        "STATION_SOH_STATUS_CHANGED",
			Severity:    "INFO",
			Category:    "SOH",
			SubCategory: "STATION",
			Tags:        map[string]string{"station": station},
		}, nil
	case KindQuietedStatusChange:
		return QuietedStatusChange{
			ID:            id,
			StationName:   station,
			ChannelName:   station + ".BHZ",
			MonitorType:   "LAG",
			QuietUntil:    now.Add(15 * time.Minute),
			QuietDuration: 15 * time.Minute,
			QuietedBy:     "analyst",
		}, nil
	case KindUnacknowledgedStatusChange:
		return UnacknowledgedStatusChange{
			OriginatingStation: station,
			Changes: []StatusChange{
				{FirstChangeTime: now, MonitorType: "LAG", ChangedChannel: station + ".BHZ"},
			},
		}, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown record kind %q", errors.ErrInvalidConfig, k),
			"records", "Sample", "build sample")
	}
}
