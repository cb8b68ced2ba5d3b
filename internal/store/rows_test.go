package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"smartlog/internal/model"
)

func TestEventRowKeepsEventDocument(t *testing.T) {
	userID := int64(12)
	event := model.Event{
		ID:        "evt-1",
		Type:      model.EventError,
		SessionID: "sess_1700000000_0123456789abcdef0123456789abcdef",
		UserID:    &userID,
		Data:      map[string]any{"message": "database connection failed"},
		IPAddress: "203.0.113.9",
		UserAgent: "Mozilla/5.0",
	}

	row, err := eventRow(event)
	require.NoError(t, err)
	require.Equal(t, "error", row.Action)
	require.Equal(t, ResourceEvent, row.ResourceType)
	require.Equal(t, event.SessionID, row.SessionID)
	require.Empty(t, row.IssueType)

	var decoded model.Event
	require.NoError(t, json.Unmarshal(row.Details, &decoded))
	require.Equal(t, event, decoded)
}

func TestFixAttemptRowPromotesIssueType(t *testing.T) {
	attempt := model.FixAttempt{
		Actor: model.Actor{IP: "198.51.100.4"},
		Result: model.FixResult{
			IssueType: model.IssueSlowAPIResponse,
			SessionID: "sess_1700000000_0123456789abcdef0123456789abcdef",
			Success:   true,
		},
	}

	row, err := fixAttemptRow(attempt)
	require.NoError(t, err)
	require.Equal(t, ActionAutoFix, row.Action)
	require.Equal(t, "slow_api_response", row.IssueType)
	require.Nil(t, row.UserID)

	var details map[string]any
	require.NoError(t, json.Unmarshal(row.Details, &details))
	require.Equal(t, true, details["success"])
}

func TestActorFilterPrefersUserID(t *testing.T) {
	userID := int64(5)
	clause, arg := actorFilter(model.Actor{UserID: &userID, IP: "198.51.100.4"}, 4)
	require.Equal(t, "user_id = $4", clause)
	require.Equal(t, int64(5), arg)

	clause, arg = actorFilter(model.Actor{IP: "198.51.100.4"}, 4)
	require.Equal(t, "user_id IS NULL AND ip_address = $4", clause)
	require.Equal(t, "198.51.100.4", arg)
}

func TestHashTokenIsStableHex(t *testing.T) {
	require.Equal(t, HashToken("secret-token"), HashToken("secret-token"))
	require.NotEqual(t, HashToken("secret-token"), HashToken("other-token"))
	require.Len(t, HashToken("secret-token"), 64)
}
