package backfill

import "time"

// BusinessDays returns every Monday-to-Friday calendar day from start to end
// inclusive, as UTC midnights. Holidays are not excluded.
func BusinessDays(start, end time.Time) []time.Time {
	d := dayOf(start)
	last := dayOf(end)
	var days []time.Time
	for !d.After(last) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return days
}

// dayOf truncates t to the calendar day it names in its own location.
func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
