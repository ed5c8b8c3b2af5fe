package model

import (
	"time"

	"cloud.google.com/go/civil"
)

// Holds all external facing types and constants.

type LocationType int

const (
	LocationTypeStop LocationType = iota
	LocationTypeStation
	LocationTypeEntranceExit
	LocationTypeGenericNode
	LocationTypeBoardingArea
)

type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway     RouteType = 1
	RouteTypeRail       RouteType = 2
	RouteTypeBus        RouteType = 3
	RouteTypeFerry      RouteType = 4
	RouteTypeCable      RouteType = 5
	RouteTypeAerial     RouteType = 6
	RouteTypeFunicular  RouteType = 7
	RouteTypeTrolleybus RouteType = 11
	RouteTypeMonorail   RouteType = 12
)

type ExceptionType int8

const (
	ExceptionTypeAdded   ExceptionType = 1
	ExceptionTypeRemoved ExceptionType = 2
)

type Agency struct {
	ID       string
	Name     string
	URL      string
	Timezone string
}

// Weekday bitmask, bit 0 is Sunday to match time.Weekday.
type Calendar struct {
	ServiceID string
	StartDate civil.Date
	EndDate   civil.Date
	Weekday   int8
}

func (c *Calendar) RunsOn(day time.Weekday) bool {
	return c.Weekday&(1<<uint(day)) != 0
}

type CalendarDate struct {
	ServiceID     string
	Date          civil.Date
	ExceptionType ExceptionType
}

type Stop struct {
	ID            string
	Code          string
	Name          string
	Lat           float64
	Lon           float64
	LocationType  LocationType
	ParentStation string
	PlatformCode  string
}

type Trip struct {
	ID        string
	RouteID   string
	ServiceID string
	Headsign  string
	ShortName string
	// nil when the feed leaves direction_id blank
	DirectionID *int8
}

type Route struct {
	ID        string
	AgencyID  string
	ShortName string
	LongName  string
	Type      RouteType
	Color     string
	TextColor string
}

// Arrival and Departure are seconds past noon minus 12h of the
// service day, so values past 24h are trips running over midnight.
type StopTime struct {
	TripID       string
	StopID       string
	Headsign     string
	StopSequence uint32
	Arrival      int
	Departure    int
}

func (st *StopTime) ArrivalTime() time.Duration {
	return time.Duration(st.Arrival) * time.Second
}

func (st *StopTime) DepartureTime() time.Duration {
	return time.Duration(st.Departure) * time.Second
}

// A scheduled departure of one trip from one stop, as loaded from
// the static schedule.
type ScheduledStopTime struct {
	StopID         string     `json:"stop_id"`
	TripID         string     `json:"trip_id"`
	DepartureTime  time.Time  `json:"departure_time"`
	ServiceDate    civil.Date `json:"service_date"`
	StopSequence   uint32     `json:"stop_sequence"`
	DirectionID    *int8      `json:"direction_id"`
	TripHeadsign   string     `json:"trip_headsign"`
	RouteShortName string     `json:"route_short_name"`
	RouteLongName  string     `json:"route_long_name"`
	RouteType      RouteType  `json:"route_type"`
}
