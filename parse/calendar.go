package parse

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"transitboard.dev/gtfs/model"
	"transitboard.dev/gtfs/storage"
)

type CalendarCSV struct {
	ServiceID string `csv:"service_id"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
	Monday    int8   `csv:"monday"`
	Tuesday   int8   `csv:"tuesday"`
	Wednesday int8   `csv:"wednesday"`
	Thursday  int8   `csv:"thursday"`
	Friday    int8   `csv:"friday"`
	Saturday  int8   `csv:"saturday"`
	Sunday    int8   `csv:"sunday"`
}

func (c *CalendarCSV) weekday() (int8, error) {
	var weekday int8
	for _, d := range []struct {
		day   time.Weekday
		value int8
	}{
		{time.Monday, c.Monday},
		{time.Tuesday, c.Tuesday},
		{time.Wednesday, c.Wednesday},
		{time.Thursday, c.Thursday},
		{time.Friday, c.Friday},
		{time.Saturday, c.Saturday},
		{time.Sunday, c.Sunday},
	} {
		switch d.value {
		case 0:
		case 1:
			weekday |= 1 << uint(d.day)
		default:
			return 0, fmt.Errorf("invalid %s value '%d'", d.day, d.value)
		}
	}
	return weekday, nil
}

// Returns set of all service IDs, and the range of dates covered.
func ParseCalendar(writer storage.FeedWriter, data io.Reader) (map[string]bool, dateSpan, error) {
	calendarCsv := []*CalendarCSV{}
	if err := gocsv.Unmarshal(data, &calendarCsv); err != nil {
		return nil, dateSpan{}, fmt.Errorf("unmarshaling csv: %w", err)
	}

	knownServices := map[string]bool{}
	var span dateSpan

	for _, c := range calendarCsv {
		if c.ServiceID == "" {
			return nil, dateSpan{}, fmt.Errorf("empty service_id")
		}
		if knownServices[c.ServiceID] {
			return nil, dateSpan{}, fmt.Errorf("repeated service_id '%s'", c.ServiceID)
		}
		knownServices[c.ServiceID] = true

		weekday, err := c.weekday()
		if err != nil {
			return nil, dateSpan{}, err
		}

		startDate, err := parseDate(c.StartDate)
		if err != nil {
			return nil, dateSpan{}, fmt.Errorf("parsing start_date: %w", err)
		}
		endDate, err := parseDate(c.EndDate)
		if err != nil {
			return nil, dateSpan{}, fmt.Errorf("parsing end_date: %w", err)
		}
		span.add(startDate)
		span.add(endDate)

		err = writer.WriteCalendar(&model.Calendar{
			ServiceID: c.ServiceID,
			StartDate: startDate,
			EndDate:   endDate,
			Weekday:   weekday,
		})
		if err != nil {
			return nil, dateSpan{}, fmt.Errorf("writing calendar: %w", err)
		}
	}

	return knownServices, span, nil
}

type CalendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType int8   `csv:"exception_type"`
}

func ParseCalendarDates(writer storage.FeedWriter, data io.Reader) (map[string]bool, dateSpan, error) {
	calendarDateCsv := []*CalendarDateCSV{}
	if err := gocsv.Unmarshal(data, &calendarDateCsv); err != nil {
		return nil, dateSpan{}, fmt.Errorf("unmarshaling calendar_dates csv: %w", err)
	}

	knownService := map[string]bool{}
	knownServiceDate := map[string]bool{}
	var span dateSpan

	for _, cd := range calendarDateCsv {
		exceptionType := model.ExceptionType(cd.ExceptionType)
		if exceptionType != model.ExceptionTypeAdded && exceptionType != model.ExceptionTypeRemoved {
			return nil, dateSpan{}, fmt.Errorf("illegal exception_type: '%d'", cd.ExceptionType)
		}

		date, err := parseDate(cd.Date)
		if err != nil {
			return nil, dateSpan{}, fmt.Errorf("parsing date: %w", err)
		}

		serviceDate := fmt.Sprintf("%s-%s", cd.Date, cd.ServiceID)
		if knownServiceDate[serviceDate] {
			return nil, dateSpan{}, fmt.Errorf("duplicate service/date: '%s'", serviceDate)
		}
		knownServiceDate[serviceDate] = true
		knownService[cd.ServiceID] = true
		span.add(date)

		err = writer.WriteCalendarDate(&model.CalendarDate{
			ServiceID:     cd.ServiceID,
			Date:          date,
			ExceptionType: exceptionType,
		})
		if err != nil {
			return nil, dateSpan{}, fmt.Errorf("writing calendar date: %w", err)
		}
	}

	return knownService, span, nil
}
