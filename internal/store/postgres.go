package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"smartlog/internal/model"
)

const defaultQueryTimeout = 3 * time.Second

type Postgres struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

type Option func(*Postgres)

// WithQueryTimeout bounds every statement issued by the store.
func WithQueryTimeout(timeout time.Duration) Option {
	return func(p *Postgres) {
		if timeout > 0 {
			p.queryTimeout = timeout
		}
	}
}

func NewPostgres(ctx context.Context, databaseURL string, opts ...Option) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	p := &Postgres{pool: pool, queryTimeout: defaultQueryTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	ctx, cancel := p.bounded(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *Postgres) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.queryTimeout)
}

// InsertEvent writes the enriched event as an activity row and returns its id.
func (p *Postgres) InsertEvent(ctx context.Context, event model.Event) (int64, error) {
	row, err := eventRow(event)
	if err != nil {
		return 0, err
	}
	id, err := p.insertRow(ctx, row)
	if err != nil {
		return 0, model.Persistence("insert event log", err)
	}
	return id, nil
}

func (p *Postgres) RecordFixAttempt(ctx context.Context, attempt model.FixAttempt) error {
	row, err := fixAttemptRow(attempt)
	if err != nil {
		return err
	}
	if _, err := p.insertRow(ctx, row); err != nil {
		return model.Persistence("insert fix attempt", err)
	}
	return nil
}

func (p *Postgres) RecordEscalation(ctx context.Context, issueType model.IssueType, sessionID string, details map[string]any) error {
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode escalation details: %w", err)
	}
	row := LogRow{
		Action:       ActionEscalation,
		ResourceType: ResourceEscalation,
		ResourceID:   string(issueType),
		SessionID:    sessionID,
		IssueType:    string(issueType),
		Details:      encoded,
	}
	if _, err := p.insertRow(ctx, row); err != nil {
		return model.Persistence("insert escalation", err)
	}
	return nil
}

func (p *Postgres) insertRow(ctx context.Context, row LogRow) (int64, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	details := string(row.Details)
	if details == "" {
		details = "{}"
	}

	var id int64
	err := p.pool.QueryRow(
		ctx,
		`INSERT INTO activity_logs
		   (user_id, action, resource_type, resource_id, session_id, issue_type, details, ip_address, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		row.UserID,
		row.Action,
		row.ResourceType,
		row.ResourceID,
		row.SessionID,
		row.IssueType,
		details,
		row.IPAddress,
		row.UserAgent,
	).Scan(&id)
	return id, err
}

// UpsertSession keeps the logging_sessions summary row in step with the
// session metadata file.
func (p *Postgres) UpsertSession(ctx context.Context, session model.Session) error {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	_, err := p.pool.Exec(
		ctx,
		`INSERT INTO logging_sessions
		   (id, user_id, ip_address, user_agent, events_count, errors_count, status, session_path, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = COALESCE(EXCLUDED.user_id, logging_sessions.user_id),
		     events_count = EXCLUDED.events_count,
		     errors_count = EXCLUDED.errors_count,
		     status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at,
		     expires_at = EXCLUDED.expires_at`,
		session.ID,
		session.UserID,
		session.IPAddress,
		session.UserAgent,
		session.EventsCount,
		session.ErrorsCount,
		string(session.Status),
		session.Path,
		session.CreatedAt,
		session.UpdatedAt,
		session.ExpiresAt,
	)
	if err != nil {
		return model.Persistence("upsert session summary", err)
	}
	return nil
}

// CountSessionEvents counts event rows of one type for a session since the
// given instant.
func (p *Postgres) CountSessionEvents(ctx context.Context, sessionID string, eventType model.EventType, since time.Time) (int, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	var count int
	err := p.pool.QueryRow(
		ctx,
		`SELECT COUNT(*)
		 FROM activity_logs
		 WHERE session_id = $1
		   AND action = $2
		   AND resource_type = $3
		   AND created_at >= $4`,
		sessionID,
		string(eventType),
		ResourceEvent,
		since,
	).Scan(&count)
	if err != nil {
		return 0, model.Persistence("count session events", err)
	}
	return count, nil
}

// CountFixAttempts counts attempts for issueType made by actor since the given
// instant. Signed-in users are matched by id, anonymous callers by IP.
func (p *Postgres) CountFixAttempts(ctx context.Context, issueType model.IssueType, actor model.Actor, since time.Time) (int, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	clause, actorArg := actorFilter(actor, 4)
	var count int
	err := p.pool.QueryRow(
		ctx,
		`SELECT COUNT(*)
		 FROM activity_logs
		 WHERE action = $1
		   AND issue_type = $2
		   AND created_at >= $3
		   AND `+clause,
		ActionAutoFix,
		string(issueType),
		since,
		actorArg,
	).Scan(&count)
	if err != nil {
		return 0, model.Persistence("count fix attempts", err)
	}
	return count, nil
}

// FixOutcomes aggregates fix attempts since the given instant, optionally for
// one issue type.
func (p *Postgres) FixOutcomes(ctx context.Context, issueType model.IssueType, since time.Time) (model.FixStats, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	var stats model.FixStats
	err := p.pool.QueryRow(
		ctx,
		`SELECT
		   COUNT(*),
		   COUNT(*) FILTER (WHERE COALESCE((details->>'success')::boolean, false))
		 FROM activity_logs
		 WHERE action = $1
		   AND created_at >= $2
		   AND ($3 = '' OR issue_type = $3)`,
		ActionAutoFix,
		since,
		string(issueType),
	).Scan(&stats.Total, &stats.Succeeded)
	if err != nil {
		return model.FixStats{}, model.Persistence("aggregate fix outcomes", err)
	}
	return stats, nil
}

// ListUserEvents returns the user's events since the given instant, oldest
// first, rebuilt from the stored event documents.
func (p *Postgres) ListUserEvents(ctx context.Context, userID int64, since time.Time, limit int) ([]model.Event, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT details
		 FROM (
		   SELECT details, created_at, id
		   FROM activity_logs
		   WHERE user_id = $1
		     AND resource_type = $2
		     AND created_at >= $3
		   ORDER BY created_at DESC, id DESC
		   LIMIT $4
		 ) recent
		 ORDER BY created_at ASC, id ASC`,
		userID,
		ResourceEvent,
		since,
		limit,
	)
	if err != nil {
		return nil, model.Persistence("list user events", err)
	}
	defer rows.Close()

	events := make([]model.Event, 0)
	for rows.Next() {
		var details []byte
		if err := rows.Scan(&details); err != nil {
			return nil, model.Persistence("scan user event", err)
		}
		var event model.Event
		if err := json.Unmarshal(details, &event); err != nil {
			continue
		}
		events = append(events, event)
	}

	if rows.Err() != nil {
		return nil, model.Persistence("list user events", rows.Err())
	}

	return events, nil
}

func (p *Postgres) ListUserSessions(ctx context.Context, userID int64, since time.Time) ([]SessionSummary, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	rows, err := p.pool.Query(
		ctx,
		`SELECT id, user_id, ip_address, events_count, errors_count, status, created_at, updated_at, expires_at
		 FROM logging_sessions
		 WHERE user_id = $1
		   AND updated_at >= $2
		 ORDER BY updated_at DESC`,
		userID,
		since,
	)
	if err != nil {
		return nil, model.Persistence("list user sessions", err)
	}
	defer rows.Close()

	sessions := make([]SessionSummary, 0)
	for rows.Next() {
		var summary SessionSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.UserID,
			&summary.IPAddress,
			&summary.EventsCount,
			&summary.ErrorsCount,
			&summary.Status,
			&summary.CreatedAt,
			&summary.UpdatedAt,
			&summary.ExpiresAt,
		); err != nil {
			return nil, model.Persistence("scan user session", err)
		}
		sessions = append(sessions, summary)
	}

	if rows.Err() != nil {
		return nil, model.Persistence("list user sessions", rows.Err())
	}

	return sessions, nil
}

// LastEscalationAt reports when issueType was last escalated for the session.
func (p *Postgres) LastEscalationAt(ctx context.Context, issueType model.IssueType, sessionID string) (time.Time, bool, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	var last *time.Time
	err := p.pool.QueryRow(
		ctx,
		`SELECT MAX(created_at)
		 FROM activity_logs
		 WHERE action = $1
		   AND issue_type = $2
		   AND session_id = $3`,
		ActionEscalation,
		string(issueType),
		sessionID,
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, model.Persistence("read last escalation", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// ResolveUserIDByToken maps a bearer token to its user. Unknown or expired
// tokens resolve to nil without error.
func (p *Postgres) ResolveUserIDByToken(ctx context.Context, token string) (*int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	ctx, cancel := p.bounded(ctx)
	defer cancel()

	var userID int64
	err := p.pool.QueryRow(
		ctx,
		`SELECT user_id
		 FROM api_tokens
		 WHERE token_hash = $1
		   AND (expires_at IS NULL OR expires_at > NOW())`,
		HashToken(token),
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Persistence("resolve api token", err)
	}
	return &userID, nil
}

// PurgeLogsBefore deletes activity rows older than cutoff.
func (p *Postgres) PurgeLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `DELETE FROM activity_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, model.Persistence("purge activity logs", err)
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM logging_sessions WHERE expires_at < $1`, cutoff); err != nil {
		return tag.RowsAffected(), model.Persistence("purge session summaries", err)
	}
	return tag.RowsAffected(), nil
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func eventRow(event model.Event) (LogRow, error) {
	details, err := json.Marshal(event)
	if err != nil {
		return LogRow{}, fmt.Errorf("encode event details: %w", err)
	}
	return LogRow{
		UserID:       event.UserID,
		Action:       string(event.Type),
		ResourceType: ResourceEvent,
		ResourceID:   event.ID,
		SessionID:    event.SessionID,
		Details:      details,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
	}, nil
}

func fixAttemptRow(attempt model.FixAttempt) (LogRow, error) {
	details, err := json.Marshal(attempt.Result)
	if err != nil {
		return LogRow{}, fmt.Errorf("encode fix details: %w", err)
	}
	return LogRow{
		UserID:       attempt.Actor.UserID,
		Action:       ActionAutoFix,
		ResourceType: ResourceFix,
		ResourceID:   string(attempt.Result.IssueType),
		SessionID:    attempt.Result.SessionID,
		IssueType:    string(attempt.Result.IssueType),
		Details:      details,
		IPAddress:    attempt.Actor.IP,
		UserAgent:    attempt.UserAgent,
	}, nil
}

func actorFilter(actor model.Actor, argIndex int) (string, any) {
	if actor.UserID != nil {
		return fmt.Sprintf("user_id = $%d", argIndex), *actor.UserID
	}
	return fmt.Sprintf("user_id IS NULL AND ip_address = $%d", argIndex), actor.IP
}
