package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type EventType string

const (
	EventClick        EventType = "click"
	EventFormSubmit   EventType = "form_submit"
	EventAPICall      EventType = "api_call"
	EventPageLoad     EventType = "page_load"
	EventError        EventType = "error"
	EventPerformance  EventType = "performance"
	EventUserActivity EventType = "user_activity"
	EventUpload       EventType = "upload"
	EventLogin        EventType = "login"
	EventLogout       EventType = "logout"
	EventRegister     EventType = "register"
	EventView         EventType = "view"
	EventDownload     EventType = "download"
	EventCustom       EventType = "custom"
)

var knownEventTypes = map[EventType]struct{}{
	EventClick:        {},
	EventFormSubmit:   {},
	EventAPICall:      {},
	EventPageLoad:     {},
	EventError:        {},
	EventPerformance:  {},
	EventUserActivity: {},
	EventUpload:       {},
	EventLogin:        {},
	EventLogout:       {},
	EventRegister:     {},
	EventView:         {},
	EventDownload:     {},
	EventCustom:       {},
}

func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// ParseEventType validates a raw event_type value against the closed enum.
func ParseEventType(raw string) (EventType, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ValidationError{Field: "event_type", Message: "event_type is required"}
	}
	eventType := EventType(trimmed)
	if !eventType.Valid() {
		return "", &ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event_type %q", trimmed)}
	}
	return eventType, nil
}

type BrowserInfo struct {
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	DeviceType string `json:"device_type"`
}

// Event is one observed client occurrence. Top-level keys outside the known
// set are kept in Fields and written back verbatim.
type Event struct {
	ID                string         `json:"event_id,omitempty"`
	Type              EventType      `json:"event_type"`
	Timestamp         float64        `json:"timestamp"`
	ServerTimestamp   float64        `json:"server_timestamp"`
	SessionID         string         `json:"session_id,omitempty"`
	UserID            *int64         `json:"user_id"`
	Data              map[string]any `json:"data"`
	Context           map[string]any `json:"context"`
	IPAddress         string         `json:"ip_address,omitempty"`
	UserAgent         string         `json:"user_agent,omitempty"`
	BrowserInfo       *BrowserInfo   `json:"browser_info,omitempty"`
	ServerMemoryUsage uint64         `json:"server_memory_usage,omitempty"`
	ServerMemoryPeak  uint64         `json:"server_memory_peak,omitempty"`
	Fields            map[string]any `json:"-"`
}

var knownEventKeys = map[string]struct{}{
	"event_id":            {},
	"event_type":          {},
	"timestamp":           {},
	"server_timestamp":    {},
	"session_id":          {},
	"user_id":             {},
	"data":                {},
	"context":             {},
	"ip_address":          {},
	"user_agent":          {},
	"browser_info":        {},
	"server_memory_usage": {},
	"server_memory_peak":  {},
}

type eventAlias Event

func (e Event) MarshalJSON() ([]byte, error) {
	known, err := encodeJSON(eventAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Fields) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(e.Fields)+len(knownEventKeys))
	for key, value := range e.Fields {
		if _, reserved := knownEventKeys[key]; reserved {
			continue
		}
		encoded, err := encodeJSON(value)
		if err != nil {
			return nil, fmt.Errorf("encode event field %s: %w", key, err)
		}
		merged[key] = encoded
	}
	if err := decodeJSON(known, &merged); err != nil {
		return nil, err
	}
	return encodeJSON(merged)
}

// UnmarshalJSON keeps numbers in the payload bags as json.Number so large
// integer ids survive a store and reload unchanged.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var alias eventAlias
	if err := decodeJSON(raw, &alias); err != nil {
		return err
	}

	var all map[string]any
	if err := decodeJSON(raw, &all); err != nil {
		return err
	}
	for key := range knownEventKeys {
		delete(all, key)
	}

	*e = Event(alias)
	if len(all) > 0 {
		e.Fields = all
	}
	return nil
}

// encodeJSON marshals without HTML escaping so stored payloads stay readable.
func encodeJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func decodeJSON(raw []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(target)
}

// Value looks a key up in the top-level extra fields, then data, then context.
func (e Event) Value(key string) (any, bool) {
	for _, bag := range []map[string]any{e.Fields, e.Data, e.Context} {
		if bag == nil {
			continue
		}
		if value, ok := bag[key]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

func (e Event) Has(key string) bool {
	_, ok := e.Value(key)
	return ok
}

func (e Event) Float(key string) (float64, bool) {
	value, ok := e.Value(key)
	if !ok {
		return 0, false
	}
	return toFloat(value)
}

func (e Event) Bool(key string) bool {
	value, ok := e.Value(key)
	if !ok {
		return false
	}
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		return err == nil && parsed
	default:
		number, ok := toFloat(value)
		return ok && number != 0
	}
}

func (e Event) String(key string) string {
	value, ok := e.Value(key)
	if !ok {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

// EffectiveTimestamp is the client timestamp in unix seconds, falling back to
// the server timestamp. Millisecond client clocks are normalized.
func (e Event) EffectiveTimestamp() float64 {
	ts := e.Timestamp
	if ts <= 0 {
		ts = e.ServerTimestamp
	}
	if ts > 1e11 {
		ts = ts / 1000
	}
	return ts
}

func (e Event) Time() time.Time {
	return UnixFloat(e.EffectiveTimestamp())
}

func (e Event) IsError() bool {
	return e.Type == EventError
}

func UnixFloat(seconds float64) time.Time {
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func FloatUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return parsed, err == nil
	case bool:
		if typed {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
