package edb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMTimeRoundTrip(t *testing.T) {
	cases := []struct {
		when time.Time
		nsec uint32
	}{
		{time.Date(2014, 6, 27, 11, 7, 1, 0, time.UTC), 907388851},
		{time.Date(2014, 7, 28, 18, 46, 11, 0, time.UTC), 433570807},
		{time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC), 0},
		{time.Date(1, 2, 1, 0, 0, 0, 0, time.UTC), 0},
		{time.Date(65535, 12, 31, 23, 59, 59, 0, time.UTC), 999999999},
	}
	for _, c := range cases {
		enc := EncodeMTime(c.when, c.nsec)
		require.Len(t, enc, 9)
		got, err := DecodeMTime(enc)
		require.NoError(t, err)
		require.False(t, got.Zero)
		require.Equal(t, c.when.Add(time.Duration(c.nsec)), got.Time)
		require.Equal(t, c.nsec, got.Nsec)
		require.Equal(t, enc, EncodeMTime(got.Time, got.Nsec), "encode must reproduce identical bytes")
	}
}

func TestMTimeZeroSentinel(t *testing.T) {
	got, err := DecodeMTime(zeroMTimeBytes[:])
	require.NoError(t, err)
	require.True(t, got.Zero)
}

func TestMTimeYearOneEdgeCase(t *testing.T) {
	// spec §8 scenario 5: encoding datetime(1,1,1,0,0,0), nsec=0 is
	// 01 00 00 00 00 00 00 00 00 -- distinct from the all-zero sentinel.
	enc := EncodeMTime(time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC), 0)
	require.Equal(t, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, enc)
}

func TestMTimeLeapDayShift(t *testing.T) {
	// spec §8 scenario 5: datetime(1,2,1,...) (year 1 is not a leap year)
	// lands on day_of_year 31 after the leap-year shift.
	enc := EncodeMTime(time.Date(1, 2, 1, 0, 0, 0, 0, time.UTC), 0)
	secOfYear := uint32(enc[2]) | uint32(enc[3])<<8 | uint32(enc[4])<<16
	require.Equal(t, uint32(31*86400), secOfYear)
}

func TestDayOfYearAndInverseAgree(t *testing.T) {
	for year := 1; year <= 5; year++ {
		for month := 1; month <= 12; month++ {
			for day := 1; day <= daysInMonth(year, month); day++ {
				d := dayOfYear(year, month, day)
				gotMonth, gotDay := monthDayFromDayOfYear(year, d)
				require.Equal(t, month, gotMonth, "year %d day %d", year, day)
				require.Equal(t, day, gotDay, "year %d day %d", year, day)
			}
		}
	}
}

func daysInMonth(year, month int) int {
	d := daysOfMonth[month-1]
	if month == 2 && !isLeapYear(year) {
		d = 28
	}
	return d
}
