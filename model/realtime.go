package model

// Decoded GTFS Realtime feed. Optional protobuf fields are kept as
// pointers so that "absent" and "zero" stay distinguishable.

type Incrementality int

const (
	IncrementalityFullDataset Incrementality = iota
	IncrementalityDifferential
)

// Per-stop schedule relationship, numbered as in the GTFS Realtime
// protobuf.
type ScheduleRelationship int32

const (
	ScheduleRelationshipScheduled   ScheduleRelationship = 0
	ScheduleRelationshipSkipped     ScheduleRelationship = 1
	ScheduleRelationshipNoData      ScheduleRelationship = 2
	ScheduleRelationshipUnscheduled ScheduleRelationship = 3
)

func (sr ScheduleRelationship) String() string {
	switch sr {
	case ScheduleRelationshipScheduled:
		return "SCHEDULED"
	case ScheduleRelationshipSkipped:
		return "SKIPPED"
	case ScheduleRelationshipNoData:
		return "NO_DATA"
	case ScheduleRelationshipUnscheduled:
		return "UNSCHEDULED"
	}
	return "UNKNOWN"
}

type TripScheduleRelationship int32

const (
	TripScheduled   TripScheduleRelationship = 0
	TripAdded       TripScheduleRelationship = 1
	TripUnscheduled TripScheduleRelationship = 2
	TripCanceled    TripScheduleRelationship = 3
	TripDuplicated  TripScheduleRelationship = 5
)

type FeedHeader struct {
	Version        string
	Incrementality Incrementality
	Timestamp      uint64
}

type Feed struct {
	Header   FeedHeader
	Entities []FeedEntity
}

// One payload of a feed entity. Entities carrying more than one
// payload are split into one FeedEntity per payload.
type FeedEntity struct {
	ID        string
	IsDeleted bool
	Payload   EntityPayload
}

// Implemented by *TripUpdate, *VehiclePosition and *Alert.
type EntityPayload interface {
	isEntityPayload()
}

type TripDescriptor struct {
	TripID               string
	RouteID              string
	DirectionID          *uint32
	StartTime            string
	StartDate            string
	ScheduleRelationship TripScheduleRelationship
}

type VehicleDescriptor struct {
	ID           string `json:"id,omitempty"`
	Label        string `json:"label,omitempty"`
	LicensePlate string `json:"license_plate,omitempty"`
}

type StopTimeEvent struct {
	Delay       *int32
	Time        *int64
	Uncertainty *int32
}

type StopTimeUpdate struct {
	StopSequence         *uint32
	StopID               string
	Arrival              *StopTimeEvent
	Departure            *StopTimeEvent
	ScheduleRelationship *ScheduleRelationship
}

type TripUpdate struct {
	Trip            TripDescriptor
	Vehicle         *VehicleDescriptor
	StopTimeUpdates []StopTimeUpdate
	Timestamp       uint64
	Delay           *int32
}

type VehiclePosition struct {
	Trip                *TripDescriptor
	Vehicle             *VehicleDescriptor
	Latitude            float32
	Longitude           float32
	Bearing             *float32
	CurrentStopSequence *uint32
	StopID              string
	Timestamp           uint64
}

type Alert struct {
	Cause           int32
	Effect          int32
	HeaderText      string
	DescriptionText string
	RouteIDs        []string
	StopIDs         []string
	TripIDs         []string
}

func (*TripUpdate) isEntityPayload()      {}
func (*VehiclePosition) isEntityPayload() {}
func (*Alert) isEntityPayload()           {}

// Realtime status of a trip at a stop, as answered by an index.
type RealtimeUpdate struct {
	Delay                *int32                `json:"delay"`
	ScheduleRelationship *ScheduleRelationship `json:"schedule_relationship"`
	Vehicle              *VehicleDescriptor    `json:"vehicle"`
}
