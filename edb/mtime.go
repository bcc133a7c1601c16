package edb

import "time"

var daysOfMonth = [12]int{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func isLeapYear(year int) bool {
	return year%400 == 0 || (year%4 == 0 && year%100 != 0)
}

// dayOfYear returns the 0-indexed day-of-year for the given calendar date,
// skipping over the February-29 slot in non-leap years the same way the
// reference implementation's day_of_year_from_datetime does.
func dayOfYear(year, month, day int) int {
	d := 0
	for m := 0; m < month-1; m++ {
		d += daysOfMonth[m]
	}
	d += day
	if !isLeapYear(year) && d >= 60 {
		d--
	}
	return d - 1
}

// monthDayFromDayOfYear is the inverse of dayOfYear.
func monthDayFromDayOfYear(year, day int) (month, mday int) {
	if !isLeapYear(year) && day >= 59 {
		day++
	}
	for m, days := range daysOfMonth {
		if day < days {
			return m + 1, day + 1
		}
		day -= days
	}
	// unreachable for day in [0, 366)
	return 12, 31
}

// MTime is a decoded packed-mtime value: either the zero sentinel (no
// recorded time) or a wall-clock time with nanosecond resolution.
type MTime struct {
	Zero bool
	Time time.Time // UTC, Nanosecond() holds Nsec
	Nsec uint32
}

// zeroMTimeBytes is the sentinel packed-mtime value: year=0, second=0, nsec=0.
var zeroMTimeBytes = [9]byte{}

// EncodeMTime produces the 9-byte packed representation of t (must be UTC)
// with explicit nanoseconds. It always encodes the literal calendar value;
// callers wanting the year=0 sentinel use MTime{Zero: true} instead (see
// zeroMTimeBytes), since a legitimate year-1 date must not collide with it.
func EncodeMTime(t time.Time, nsec uint32) []byte {
	out := make([]byte, 9)
	year := t.Year()
	if year < 1 || year > 65535 {
		panic("edb: mtime year out of range")
	}
	if nsec >= 1e9 {
		panic("edb: mtime nsec out of range")
	}
	secOfYear := uint32(dayOfYear(year, int(t.Month()), t.Day()))*86400 +
		uint32(t.Hour())*3600 + uint32(t.Minute())*60 + uint32(t.Second())

	out[0] = byte(year)
	out[1] = byte(year >> 8)
	out[2] = byte(secOfYear)
	out[3] = byte(secOfYear >> 8)
	out[4] = byte(secOfYear >> 16)
	out[5] = byte((secOfYear>>17)&0x80) | byte(nsec&0x3f)
	out[6] = byte(nsec >> 6)
	out[7] = byte(nsec >> 14)
	out[8] = byte(nsec >> 22)
	return out
}

// DecodeMTime parses a 9-byte packed mtime. len(data) must be >= 9.
func DecodeMTime(data []byte) (MTime, error) {
	if len(data) < 9 {
		return MTime{}, newErr(KindIntegrity, "DecodeMTime", "", errTruncated)
	}
	year := int(data[0]) | int(data[1])<<8
	secOfYear := uint32(data[2]) | uint32(data[3])<<8 | uint32(data[4])<<16 | (uint32(data[5]&0x80) << 17)
	nsec := uint32(data[5]&0x3f) | uint32(data[6])<<6 | uint32(data[7])<<14 | uint32(data[8])<<22

	if year == 0 {
		if secOfYear != 0 || nsec != 0 {
			return MTime{}, newErr(KindIntegrity, "DecodeMTime", "", errMalformedMTime)
		}
		return MTime{Zero: true}, nil
	}
	if nsec >= 1e9 {
		return MTime{}, newErr(KindIntegrity, "DecodeMTime", "", errMalformedMTime)
	}
	day := int(secOfYear / 86400)
	if day < 0 || day >= 366 {
		return MTime{}, newErr(KindIntegrity, "DecodeMTime", "", errMalformedMTime)
	}
	left := secOfYear - uint32(day)*86400
	hour := left / 3600
	left -= hour * 3600
	minute := left / 60
	second := left - minute*60

	month, mday := monthDayFromDayOfYear(year, day)
	t := time.Date(year, time.Month(month), mday, int(hour), int(minute), int(second), int(nsec), time.UTC)
	return MTime{Time: t, Nsec: nsec}, nil
}
