package records

import (
	"time"
)

// Record is anything a storage consumer can persist. RecordKey identifies
// the record in the store; writing the same key twice overwrites, which
// makes redelivered batches harmless. An empty key means the store derives
// one from the encoded content.
type Record interface {
	RecordKey() string
}

// Status is a state-of-health status.
type Status string

const (
	StatusGood     Status = "GOOD"
	StatusMarginal Status = "MARGINAL"
	StatusBad      Status = "BAD"
)

// CapabilityRollup is the rolled-up capability of a station group.
type CapabilityRollup struct {
	ID                string            `json:"id" cbor:"id"`
	Time              time.Time         `json:"time" cbor:"time"`
	StationGroup      string            `json:"station_group" cbor:"station_group"`
	GroupStatus       Status            `json:"group_status" cbor:"group_status"`
	StationStatuses   map[string]Status `json:"station_statuses" cbor:"station_statuses"`
	BasedOnStationSOH []string          `json:"based_on_station_soh" cbor:"based_on_station_soh"`
}

func (r CapabilityRollup) RecordKey() string { return r.ID }

// RawStationFrame is one acquired data frame with its metadata.
type RawStationFrame struct {
	ID                   string    `json:"id" cbor:"id"`
	StationName          string    `json:"station_name" cbor:"station_name"`
	ChannelNames         []string  `json:"channel_names" cbor:"channel_names"`
	PayloadFormat        string    `json:"payload_format" cbor:"payload_format"`
	PayloadStart         time.Time `json:"payload_start" cbor:"payload_start"`
	PayloadEnd           time.Time `json:"payload_end" cbor:"payload_end"`
	ReceptionTime        time.Time `json:"reception_time" cbor:"reception_time"`
	AuthenticationStatus string    `json:"authentication_status" cbor:"authentication_status"`
	Payload              []byte    `json:"payload" cbor:"payload"`
}

func (r RawStationFrame) RecordKey() string { return r.ID }

// MonitorValue is one monitored quantity and its evaluated status.
type MonitorValue struct {
	MonitorType string  `json:"monitor_type" cbor:"monitor_type"`
	Value       float64 `json:"value" cbor:"value"`
	Status      Status  `json:"status" cbor:"status"`
}

// StationSOH is the state of health of a station at a point in time.
type StationSOH struct {
	ID          string         `json:"id" cbor:"id"`
	Time        time.Time      `json:"time" cbor:"time"`
	StationName string         `json:"station_name" cbor:"station_name"`
	Values      []MonitorValue `json:"values" cbor:"values"`
}

func (r StationSOH) RecordKey() string { return r.ID }

// SystemMessage is an operator-facing system event.
type SystemMessage struct {
	ID          string            `json:"id" cbor:"id"`
	Time        time.Time         `json:"time" cbor:"time"`
	Message     string            `json:"message" cbor:"message"`
	Type        string            `json:"type" cbor:"type"`
	Severity    string            `json:"severity" cbor:"severity"`
	Category    string            `json:"category" cbor:"category"`
	SubCategory string            `json:"sub_category" cbor:"sub_category"`
	Tags        map[string]string `json:"tags,omitempty" cbor:"tags,omitempty"`
}

func (r SystemMessage) RecordKey() string { return r.ID }

// QuietedStatusChange records an operator silencing a monitor.
type QuietedStatusChange struct {
	ID            string        `json:"id" cbor:"id"`
	StationName   string        `json:"station_name" cbor:"station_name"`
	ChannelName   string        `json:"channel_name" cbor:"channel_name"`
	MonitorType   string        `json:"monitor_type" cbor:"monitor_type"`
	QuietUntil    time.Time     `json:"quiet_until" cbor:"quiet_until"`
	QuietDuration time.Duration `json:"quiet_duration" cbor:"quiet_duration"`
	Comment       string        `json:"comment,omitempty" cbor:"comment,omitempty"`
	QuietedBy     string        `json:"quieted_by" cbor:"quieted_by"`
}

func (r QuietedStatusChange) RecordKey() string { return r.ID }

// StatusChange is a monitor transition awaiting acknowledgment.
type StatusChange struct {
	FirstChangeTime time.Time `json:"first_change_time" cbor:"first_change_time"`
	MonitorType     string    `json:"monitor_type" cbor:"monitor_type"`
	ChangedChannel  string    `json:"changed_channel" cbor:"changed_channel"`
}

// UnacknowledgedStatusChange is the current set of unacknowledged changes
// for a station. Newer records replace older ones for the same station.
type UnacknowledgedStatusChange struct {
	OriginatingStation string         `json:"originating_station" cbor:"originating_station"`
	Changes            []StatusChange `json:"changes" cbor:"changes"`
}

func (r UnacknowledgedStatusChange) RecordKey() string { return r.OriginatingStation }
