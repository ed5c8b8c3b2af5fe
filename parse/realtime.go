package parse

import (
	"fmt"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"transitboard.dev/gtfs/model"
)

// Decodes a GTFS Realtime FeedMessage. Entity contents are passed
// through as-is; validation of trip ids and start dates is left to
// the consumer.
func ParseRealtime(data []byte) (*model.Feed, error) {
	f := &gtfsproto.FeedMessage{}
	err := proto.Unmarshal(data, f)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
	}

	header := f.GetHeader()

	version := header.GetGtfsRealtimeVersion()
	if version != "2.0" && version != "1.0" {
		return nil, fmt.Errorf("version %s not supported", version)
	}

	if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
		return nil, fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
	}

	feed := &model.Feed{
		Header: model.FeedHeader{
			Version:        version,
			Incrementality: model.IncrementalityFullDataset,
			Timestamp:      header.GetTimestamp(),
		},
		Entities: make([]model.FeedEntity, 0, len(f.GetEntity())),
	}

	for _, entity := range f.GetEntity() {
		base := model.FeedEntity{
			ID:        entity.GetId(),
			IsDeleted: entity.GetIsDeleted(),
		}

		if entity.TripUpdate != nil {
			e := base
			e.Payload = convertTripUpdate(entity.TripUpdate)
			feed.Entities = append(feed.Entities, e)
		}
		if entity.Vehicle != nil {
			e := base
			e.Payload = convertVehiclePosition(entity.Vehicle)
			feed.Entities = append(feed.Entities, e)
		}
		if entity.Alert != nil {
			e := base
			e.Payload = convertAlert(entity.Alert)
			feed.Entities = append(feed.Entities, e)
		}

		// Shapes, stops and trip modifications from
		// experimental extensions are not used.
	}

	return feed, nil
}

func convertTripUpdate(tu *gtfsproto.TripUpdate) *model.TripUpdate {
	update := &model.TripUpdate{
		Vehicle:         convertVehicle(tu.Vehicle),
		StopTimeUpdates: make([]model.StopTimeUpdate, 0, len(tu.GetStopTimeUpdate())),
		Timestamp:       tu.GetTimestamp(),
	}

	if tu.Trip != nil {
		update.Trip = *convertTrip(tu.Trip)
	}

	if tu.Delay != nil {
		d := tu.GetDelay()
		update.Delay = &d
	}

	for _, stu := range tu.GetStopTimeUpdate() {
		u := model.StopTimeUpdate{
			StopID:    stu.GetStopId(),
			Arrival:   convertStopTimeEvent(stu.Arrival),
			Departure: convertStopTimeEvent(stu.Departure),
		}
		if stu.StopSequence != nil {
			seq := stu.GetStopSequence()
			u.StopSequence = &seq
		}
		if stu.ScheduleRelationship != nil {
			sr := model.ScheduleRelationship(stu.GetScheduleRelationship())
			u.ScheduleRelationship = &sr
		}
		update.StopTimeUpdates = append(update.StopTimeUpdates, u)
	}

	return update
}

func convertTrip(trip *gtfsproto.TripDescriptor) *model.TripDescriptor {
	td := &model.TripDescriptor{
		TripID:               trip.GetTripId(),
		RouteID:              trip.GetRouteId(),
		StartTime:            trip.GetStartTime(),
		StartDate:            trip.GetStartDate(),
		ScheduleRelationship: model.TripScheduleRelationship(trip.GetScheduleRelationship()),
	}
	if trip.DirectionId != nil {
		dir := trip.GetDirectionId()
		td.DirectionID = &dir
	}
	return td
}

func convertVehicle(v *gtfsproto.VehicleDescriptor) *model.VehicleDescriptor {
	if v == nil {
		return nil
	}
	return &model.VehicleDescriptor{
		ID:           v.GetId(),
		Label:        v.GetLabel(),
		LicensePlate: v.GetLicensePlate(),
	}
}

func convertStopTimeEvent(ev *gtfsproto.TripUpdate_StopTimeEvent) *model.StopTimeEvent {
	if ev == nil {
		return nil
	}
	out := &model.StopTimeEvent{}
	if ev.Delay != nil {
		d := ev.GetDelay()
		out.Delay = &d
	}
	if ev.Time != nil {
		t := ev.GetTime()
		out.Time = &t
	}
	if ev.Uncertainty != nil {
		u := ev.GetUncertainty()
		out.Uncertainty = &u
	}
	return out
}

func convertVehiclePosition(vp *gtfsproto.VehiclePosition) *model.VehiclePosition {
	pos := &model.VehiclePosition{
		Vehicle:   convertVehicle(vp.Vehicle),
		StopID:    vp.GetStopId(),
		Timestamp: vp.GetTimestamp(),
	}
	if vp.Trip != nil {
		pos.Trip = convertTrip(vp.Trip)
	}
	if vp.Position != nil {
		pos.Latitude = vp.Position.GetLatitude()
		pos.Longitude = vp.Position.GetLongitude()
		if vp.Position.Bearing != nil {
			b := vp.Position.GetBearing()
			pos.Bearing = &b
		}
	}
	if vp.CurrentStopSequence != nil {
		seq := vp.GetCurrentStopSequence()
		pos.CurrentStopSequence = &seq
	}
	return pos
}

func convertAlert(a *gtfsproto.Alert) *model.Alert {
	alert := &model.Alert{
		Cause:           int32(a.GetCause()),
		Effect:          int32(a.GetEffect()),
		HeaderText:      firstTranslation(a.GetHeaderText()),
		DescriptionText: firstTranslation(a.GetDescriptionText()),
	}
	for _, ie := range a.GetInformedEntity() {
		if ie.GetRouteId() != "" {
			alert.RouteIDs = append(alert.RouteIDs, ie.GetRouteId())
		}
		if ie.GetStopId() != "" {
			alert.StopIDs = append(alert.StopIDs, ie.GetStopId())
		}
		if ie.GetTrip().GetTripId() != "" {
			alert.TripIDs = append(alert.TripIDs, ie.GetTrip().GetTripId())
		}
	}
	return alert
}

func firstTranslation(ts *gtfsproto.TranslatedString) string {
	for _, t := range ts.GetTranslation() {
		if t.GetText() != "" {
			return t.GetText()
		}
	}
	return ""
}
