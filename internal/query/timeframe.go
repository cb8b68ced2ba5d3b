package query

import (
	"fmt"
	"strings"
	"time"

	"smartlog/internal/model"
)

type Type string

const (
	TypeCurrentSession  Type = "current_session"
	TypeUserBehavior    Type = "user_behavior"
	TypeRealTime        Type = "real_time"
	TypePerformance     Type = "performance"
	TypeRecommendations Type = "recommendations"
)

const DefaultTimeframe = 24 * time.Hour

var namedTimeframes = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParseType defaults to the current session snapshot.
func ParseType(raw string) (Type, error) {
	switch value := Type(strings.TrimSpace(raw)); value {
	case "":
		return TypeCurrentSession, nil
	case TypeCurrentSession, TypeUserBehavior, TypeRealTime, TypePerformance, TypeRecommendations:
		return value, nil
	default:
		return "", &model.ValidationError{Field: "type", Message: fmt.Sprintf("unknown analysis type %q", raw)}
	}
}

// ParseTimeframe accepts the named windows or any positive Go duration.
func ParseTimeframe(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultTimeframe, nil
	}
	if named, ok := namedTimeframes[raw]; ok {
		return named, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return 0, &model.ValidationError{Field: "timeframe", Message: fmt.Sprintf("invalid timeframe %q", raw)}
	}
	return parsed, nil
}
