package datehelper

import (
	"time"

	"github.com/golang-sql/civil"
	"github.com/smallbiznis/entitlements/internal/clock"
	"go.uber.org/fx"
)

var Module = fx.Module("datehelper",
	fx.Provide(NewHelper),
)

// Helper binds the conversions to a clock for "today" style questions.
type Helper struct {
	clock clock.Clock
}

func NewHelper(c clock.Clock) *Helper {
	return &Helper{clock: c}
}

// FromLocalDateAndReferenceTime resolves localDate to an instant anchored on reference.
func (h *Helper) FromLocalDateAndReferenceTime(localDate civil.Date, reference time.Time, zone *time.Location) time.Time {
	return ToUTCFromLocalDate(localDate, reference, zone)
}

// Today returns the current calendar date in zone.
func (h *Helper) Today(zone *time.Location) civil.Date {
	if zone == nil {
		zone = time.UTC
	}
	return civil.DateOf(h.clock.Now().In(zone))
}

// IsBeforeOrEqualsToday reports whether instant falls on or before today in zone.
func (h *Helper) IsBeforeOrEqualsToday(instant time.Time, zone *time.Location) bool {
	if zone == nil {
		zone = time.UTC
	}
	return !civil.DateOf(instant.In(zone)).After(h.Today(zone))
}

func (h *Helper) Now() time.Time {
	return h.clock.Now()
}
