package discovery

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"time"
)

// Filename timestamp pattern: yyyy?mm?dd?hh?mm?ss with '.', '-' or '_' separators
// Examples:
//   - deathlog: 2025.04.30-00.00.00.csv → 2025-04-30 00:00:00
//   - prefixed: kill_2025-04-30_12-30-00.csv → 2025-04-30 12:30:00
var filenameTimestampRegex = regexp.MustCompile(
	`(\d{4})[-.](\d{2})[-.](\d{2})[-_.](\d{2})[-.](\d{2})[-.](\d{2})`)

// ExtractTimestampFromFilename extracts the timestamp embedded in a remote
// file name. Game servers write UTC, so the result is UTC.
//
// Returns an error if the name carries no timestamp or the fields are out of range.
func ExtractTimestampFromFilename(filename string) (time.Time, error) {
	baseName := path.Base(filename)

	m := filenameTimestampRegex.FindStringSubmatch(baseName)
	if m == nil {
		return time.Time{}, fmt.Errorf("no timestamp pattern found in filename: %s", filename)
	}

	parts := make([]int, 6)
	for i := range parts {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp in filename: %s", filename)
		}
		parts[i] = v
	}

	year, month, day, hour, minute, second := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5]
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid month in filename: %s", filename)
	}
	if day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("invalid day in filename: %s", filename)
	}
	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("invalid time of day in filename: %s", filename)
	}

	ts := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	// time.Date normalizes Feb 31 into March; reject instead
	if ts.Day() != day {
		return time.Time{}, fmt.Errorf("invalid day in filename: %s", filename)
	}
	return ts, nil
}
