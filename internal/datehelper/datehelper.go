// Package datehelper converts between account-local calendar dates and absolute
// instants. Every conversion is anchored on a reference instant (usually the
// subscription start) whose zone offset is frozen for the whole computation, so a
// date on the other side of a DST switch does not drift by an hour.
package datehelper

import (
	"time"

	"github.com/golang-sql/civil"
)

// ToUTC re-expresses instant in UTC.
func ToUTC(instant time.Time) time.Time {
	return instant.UTC()
}

// ToUTCFromLocalDate attaches the wall clock time of reference, observed in the
// frozen zone, to localDate and resolves it with the frozen offset.
func ToUTCFromLocalDate(localDate civil.Date, reference time.Time, zone *time.Location) time.Time {
	frozen := FrozenZone(reference, zone)
	ref := reference.In(frozen)
	target := time.Date(
		localDate.Year,
		localDate.Month,
		localDate.Day,
		ref.Hour(),
		ref.Minute(),
		ref.Second(),
		0,
		frozen,
	)
	return target.UTC()
}

// ToLocalDate returns the calendar date of instant through the offset frozen at reference.
func ToLocalDate(instant, reference time.Time, zone *time.Location) civil.Date {
	return civil.DateOf(instant.In(FrozenZone(reference, zone)))
}

// FrozenZone returns a fixed zone holding the offset in effect at reference.
// Outside DST the observed offset is the standard offset, inside DST it is the
// DST offset, so both cases reduce to the offset observed at reference.
func FrozenZone(reference time.Time, zone *time.Location) *time.Location {
	if zone == nil {
		zone = time.UTC
	}
	_, offset := reference.In(zone).Zone()
	return time.FixedZone(zone.String(), offset)
}
