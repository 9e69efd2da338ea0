package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/feed"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
	recentWindow     = 24 * time.Hour
)

// SQLiteSink archives feed messages. Rows are keyed by (source_id, id); a
// later write for the same key only ever moves a message to processed.
type SQLiteSink struct {
	db *sql.DB
}

type Options struct {
	// Tuning applies the performance pragmas in ApplySQLitePragmas.
	Tuning bool
}

func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	if opts.Tuning {
		ApplySQLitePragmas(ctx, db)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

func (s *SQLiteSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

const upsertMessage = `INSERT INTO chat_messages
  (source_id, id, user_id, username, display_name, body, roles, staff, ts, processed, response, responded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_id, id) DO UPDATE SET
  processed = excluded.processed,
  response = excluded.response,
  responded_at = excluded.responded_at
WHERE chat_messages.processed = 0 AND excluded.processed = 1;`

func (s *SQLiteSink) Write(msg core.ChatMessage) error {
	return s.WriteBatch([]core.ChatMessage{msg})
}

// WriteBatch writes msgs in one transaction.
func (s *SQLiteSink) WriteBatch(msgs []core.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	stmt, err := tx.Prepare(upsertMessage)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "prepare upsert")
	}
	defer stmt.Close()

	for _, msg := range msgs {
		if _, err := stmt.Exec(messageArgs(msg)...); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "upsert message %s", msg.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func messageArgs(msg core.ChatMessage) []any {
	var (
		response    sql.NullString
		respondedAt sql.NullString
	)
	if msg.Response != nil {
		response = sql.NullString{String: *msg.Response, Valid: true}
	}
	if msg.RespondedAt != nil {
		respondedAt = sql.NullString{String: formatTime(*msg.RespondedAt), Valid: true}
	}
	return []any{
		msg.SourceID, msg.ID, msg.UserID, msg.Username, msg.DisplayName, msg.Body,
		int(msg.Roles), boolInt(msg.Roles.IsStaff()), formatTime(msg.Ts),
		boolInt(msg.Processed), response, respondedAt,
	}
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Query selects archived messages. Page is 1-based.
type Query struct {
	SourceID  string
	Filter    feed.Filter
	Usernames []string
	Since     *time.Time
	Page      int
	Limit     int
	Order     Order
}

type Order int

const (
	OrderDesc Order = iota
	OrderAsc
)

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	return q
}

// Page is one page of archived messages plus the total matching the query.
type Page struct {
	Messages []core.ChatMessage `json:"data"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	Limit    int                `json:"limit"`
}

func (s *SQLiteSink) ListMessages(ctx context.Context, q Query) (Page, error) {
	q = q.normalized()
	total, err := s.CountMessages(ctx, q)
	if err != nil {
		return Page{}, err
	}

	query, args := buildMessageQuery(q, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	out := Page{Total: total, Page: q.Page, Limit: q.Limit, Messages: []core.ChatMessage{}}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return Page{}, err
		}
		out.Messages = append(out.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return Page{}, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

func (s *SQLiteSink) CountMessages(ctx context.Context, q Query) (int64, error) {
	query, args := buildMessageQuery(q.normalized(), true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func scanMessage(rows *sql.Rows) (core.ChatMessage, error) {
	var (
		msg         core.ChatMessage
		roles       int
		processed   int
		ts          string
		response    sql.NullString
		respondedAt sql.NullString
	)
	if err := rows.Scan(&msg.SourceID, &msg.ID, &msg.UserID, &msg.Username, &msg.DisplayName,
		&msg.Body, &roles, &ts, &processed, &response, &respondedAt); err != nil {
		return core.ChatMessage{}, errors.Wrap(err, "scan message")
	}
	msg.Roles = core.Roles(roles)
	msg.Processed = processed == 1
	if t, ok := parseTime(ts); ok {
		msg.Ts = t
	}
	if response.Valid {
		text := response.String
		msg.Response = &text
	}
	if respondedAt.Valid {
		if t, ok := parseTime(respondedAt.String); ok {
			msg.RespondedAt = &t
		}
	}
	return msg, nil
}

func buildMessageQuery(q Query, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM chat_messages")
	} else {
		builder.WriteString("SELECT source_id, id, user_id, username, display_name, body, roles, ts, processed, response, responded_at FROM chat_messages")
	}

	var (
		conditions []string
		args       []any
	)

	if q.SourceID != "" {
		conditions = append(conditions, "source_id = ?")
		args = append(args, q.SourceID)
	}

	switch q.Filter {
	case feed.StaffOnly:
		conditions = append(conditions, "staff = 1")
	case feed.ViewersOnly:
		conditions = append(conditions, "staff = 0")
	}

	if len(q.Usernames) > 0 {
		ors := make([]string, 0, len(q.Usernames))
		for _, u := range q.Usernames {
			ors = append(ors, "LOWER(username) LIKE '%' || ? || '%'")
			args = append(args, strings.ToLower(u))
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if q.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, formatTime(*q.Since))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if q.Order == OrderAsc {
			order = "ASC"
		}
		fmt.Fprintf(&builder, " ORDER BY ts %s, rowid %s LIMIT ? OFFSET ?", order, order)
		args = append(args, q.Limit, (q.Page-1)*q.Limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}

// Stats summarises the archive for one source.
func (s *SQLiteSink) Stats(ctx context.Context, sourceID string, now time.Time) (feed.Stats, error) {
	const q = `SELECT
  COUNT(*),
  COALESCE(SUM(staff), 0),
  COALESCE(SUM(processed), 0),
  COUNT(DISTINCT NULLIF(user_id, '')),
  COALESCE(SUM(CASE WHEN ts >= ? THEN 1 ELSE 0 END), 0)
FROM chat_messages WHERE source_id = ?;`

	st := feed.Stats{SourceID: sourceID}
	since := formatTime(now.Add(-recentWindow))
	if err := s.db.QueryRowContext(ctx, q, since, sourceID).Scan(
		&st.Total, &st.Staff, &st.Processed, &st.UniqueUsers, &st.RecentWindow,
	); err != nil {
		return feed.Stats{}, errors.Wrap(err, "stats")
	}
	st.Viewers = st.Total - st.Staff
	st.Pending = st.Total - st.Processed
	return st, nil
}

// Sources lists archived source ids, most recently active first.
func (s *SQLiteSink) Sources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id FROM chat_messages GROUP BY source_id ORDER BY MAX(ts) DESC;`)
	if err != nil {
		return nil, errors.Wrap(err, "list sources")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan source")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "iterate sources")
}
