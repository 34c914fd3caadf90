package datehelper

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/golang-sql/civil"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestToUTC(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	instant := time.Date(2016, 3, 12, 5, 0, 0, 0, ny)

	got := ToUTC(instant)
	assert.True(t, got.Equal(instant))
	assert.Equal(t, time.UTC, got.Location())
}

func TestToUTCFromLocalDate_FreezesOffsetAcrossSpringForward(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	reference := time.Date(2016, 3, 12, 10, 0, 0, 0, time.UTC)

	got := ToUTCFromLocalDate(civil.Date{Year: 2016, Month: time.March, Day: 14}, reference, ny)

	// 05:00 at the frozen -05:00 offset; the zone itself would use -04:00 on that date.
	assert.Equal(t, time.Date(2016, 3, 14, 10, 0, 0, 0, time.UTC), got)
	assert.NotEqual(t, time.Date(2016, 3, 14, 9, 0, 0, 0, time.UTC), got)
}

func TestToUTCFromLocalDate_KeepsDSTOffsetFromReference(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 2016-07-01 08:30 EDT (-04:00).
	reference := time.Date(2016, 7, 1, 12, 30, 0, 0, time.UTC)

	got := ToUTCFromLocalDate(civil.Date{Year: 2016, Month: time.December, Day: 1}, reference, ny)

	assert.Equal(t, time.Date(2016, 12, 1, 12, 30, 0, 0, time.UTC), got)
}

func TestToUTCFromLocalDate_DropsSubSecondPrecision(t *testing.T) {
	reference := time.Date(2020, 1, 1, 1, 2, 3, 999, time.UTC)

	got := ToUTCFromLocalDate(civil.Date{Year: 2020, Month: time.February, Day: 2}, reference, time.UTC)

	assert.Equal(t, time.Date(2020, 2, 2, 1, 2, 3, 0, time.UTC), got)
}

func TestToLocalDate_UsesFrozenOffset(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	reference := time.Date(2016, 3, 12, 10, 0, 0, 0, time.UTC)
	// 2016-03-15T04:30Z is 23:30 on the 14th at -05:00 but 00:30 on the 15th at -04:00.
	instant := time.Date(2016, 3, 15, 4, 30, 0, 0, time.UTC)

	got := ToLocalDate(instant, reference, ny)

	assert.Equal(t, civil.Date{Year: 2016, Month: time.March, Day: 14}, got)
}

func TestRoundTripUnderFixedReference(t *testing.T) {
	zones := []string{"America/New_York", "Europe/Paris", "Australia/Sydney", "Asia/Kolkata", "UTC"}
	references := []time.Time{
		time.Date(2016, 3, 12, 10, 0, 0, 0, time.UTC),
		time.Date(2016, 7, 4, 18, 45, 12, 0, time.UTC),
		time.Date(2016, 11, 6, 6, 30, 0, 0, time.UTC),
	}

	for _, name := range zones {
		zone := mustLoad(t, name)
		for _, reference := range references {
			frozen := FrozenZone(reference, zone)
			refLocal := reference.In(frozen)
			for days := -400; days <= 400; days += 37 {
				// Instants sharing the reference wall clock time under the frozen offset.
				instant := refLocal.AddDate(0, 0, days).UTC()

				localDate := ToLocalDate(instant, reference, zone)
				back := ToUTCFromLocalDate(localDate, reference, zone)

				require.Truef(t, back.Equal(instant), "zone=%s reference=%s instant=%s got=%s", name, reference, instant, back)
			}
		}
	}
}

func TestHelperToday(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	fake := clock.NewFakeClock(time.Date(2016, 6, 15, 2, 0, 0, 0, time.UTC))
	h := NewHelper(fake)

	assert.Equal(t, civil.Date{Year: 2016, Month: time.June, Day: 14}, h.Today(ny))
	assert.Equal(t, civil.Date{Year: 2016, Month: time.June, Day: 15}, h.Today(time.UTC))
	assert.True(t, h.IsBeforeOrEqualsToday(time.Date(2016, 6, 14, 23, 0, 0, 0, ny), ny))
	assert.False(t, h.IsBeforeOrEqualsToday(time.Date(2016, 6, 15, 1, 0, 0, 0, ny), ny))
}
