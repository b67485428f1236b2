package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultCalendar(t *testing.T) *Calendar {
	t.Helper()
	cal, err := NewCalendar(CalendarConfig{})
	require.NoError(t, err)
	return cal
}

// ist builds an instant in the default calendar's zone.
func ist(t *testing.T, year int, month time.Month, day, hour, min, sec int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return time.Date(year, month, day, hour, min, sec, 0, loc)
}

func TestCalendarSessionBounds(t *testing.T) {
	cal := defaultCalendar(t)

	// Monday 2024-01-08
	tests := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"one second before open", ist(t, 2024, time.January, 8, 9, 14, 59), false},
		{"exact open", ist(t, 2024, time.January, 8, 9, 15, 0), true},
		{"last second of session", ist(t, 2024, time.January, 8, 15, 29, 59), true},
		{"exact close", ist(t, 2024, time.January, 8, 15, 30, 0), false},
		{"saturday mid-day", ist(t, 2024, time.January, 6, 10, 0, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.open, cal.IsOpen(tt.at))
		})
	}
}

func TestCalendarStatus(t *testing.T) {
	cal := defaultCalendar(t)

	assert.Equal(t, StatusClosedWeekend, cal.Status(ist(t, 2024, time.January, 6, 10, 0, 0)))
	assert.Equal(t, StatusClosedPre, cal.Status(ist(t, 2024, time.January, 8, 8, 0, 0)))
	assert.Equal(t, StatusOpen, cal.Status(ist(t, 2024, time.January, 8, 11, 0, 0)))
	assert.Equal(t, StatusClosedPost, cal.Status(ist(t, 2024, time.January, 8, 16, 0, 0)))
}

func TestCalendarStatusConvertsZones(t *testing.T) {
	cal := defaultCalendar(t)

	// Monday 05:30 UTC == 11:00 IST, inside the session.
	at := time.Date(2024, time.January, 8, 5, 30, 0, 0, time.UTC)
	assert.True(t, cal.IsOpen(at))
}

func TestAlwaysOpenCalendar(t *testing.T) {
	cal := AlwaysOpen()

	assert.True(t, cal.IsOpen(ist(t, 2024, time.January, 6, 3, 0, 0)))
	assert.Equal(t, StatusOpen, cal.Status(time.Now()))
}

func TestNewCalendarRejectsBadConfig(t *testing.T) {
	_, err := NewCalendar(CalendarConfig{Days: []string{"moonday"}})
	assert.Error(t, err)

	_, err = NewCalendar(CalendarConfig{Timezone: "Not/AZone"})
	assert.Error(t, err)

	_, err = NewCalendar(CalendarConfig{Open: "15:30", Close: "09:15"})
	assert.Error(t, err)
}
