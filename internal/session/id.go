package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const sessionIDPrefix = "sess_"

var sessionIDPattern = regexp.MustCompile(`^sess_(\d{9,12})_([0-9a-f]{32})$`)

// newSessionID embeds the creation second and a 128-bit random suffix.
func newSessionID(now time.Time) (string, error) {
	suffix := make([]byte, 16)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return fmt.Sprintf("%s%d_%s", sessionIDPrefix, now.UTC().Unix(), hex.EncodeToString(suffix)), nil
}

// createdAtFromID recovers the creation time, rejecting anything that is not a
// well-formed token so callers never build paths from client input.
func createdAtFromID(id string) (time.Time, bool) {
	match := sessionIDPattern.FindStringSubmatch(id)
	if match == nil {
		return time.Time{}, false
	}
	seconds, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0).UTC(), true
}

func ValidID(id string) bool {
	_, ok := createdAtFromID(id)
	return ok
}
