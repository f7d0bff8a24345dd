package visits

import (
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	tempPrefix = "TEMPSETV_ULTS_"
	tokenLen   = 12
	// ddmmyyyyHHMM
	stampLayout = "020120061504"

	finalStart = 4
	finalEnd   = 25
)

var tempIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// NewTempID returns a fresh temporary visit id, a fixed prefix followed by a
// random token and the minute it was issued.
func NewTempID(now time.Time) string {
	token := ulid.Make().String()
	return tempPrefix + token[len(token)-tokenLen:] + "_" + now.Format(stampLayout)
}

// FinalID derives the final visit id from a temp id: the characters 4 to 25
// of the temp id followed by the ddmmyyyyHHMM stamp of now.
func FinalID(tempID string, now time.Time) string {
	start, end := min(finalStart, len(tempID)), min(finalEnd, len(tempID))
	return tempID[start:end] + now.Format(stampLayout)
}

// ValidTempID reports whether id is usable as a blob key segment.
func ValidTempID(id string) bool {
	return tempIDPattern.MatchString(id)
}
