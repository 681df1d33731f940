package geo

import (
	"fmt"
	"strconv"
	"time"
	_ "time/tzdata" // zone names must resolve on hosts without /usr/share/zoneinfo
)

// TimezoneOffset returns the UTC offset of tzName at the given instant, in
// hours. It fails for names missing from the IANA database.
func TimezoneOffset(tzName string, at time.Time) (float64, error) {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return 0, fmt.Errorf("unknown time zone %q: %w", tzName, err)
	}
	_, offset := at.In(loc).Zone()
	return float64(offset) / 3600, nil
}

// FormatOffset renders hours without a trailing ".0": -8, 5.5, 0.
func FormatOffset(hours float64) string {
	return strconv.FormatFloat(hours, 'f', -1, 64)
}
