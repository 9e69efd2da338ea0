package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/pkg/errors"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

type migration struct {
	label string
	apply func(ctx context.Context, tx *sql.Tx) error
}

// migrations are applied in order; user_version records how many have run.
var migrations = []migration{
	{"create chat_messages", createMessages},
	{"import chat_logs", importLegacyLogs},
}

const messagesSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
  source_id    TEXT NOT NULL,
  id           TEXT NOT NULL,
  user_id      TEXT NOT NULL DEFAULT '',
  username     TEXT NOT NULL DEFAULT '',
  display_name TEXT NOT NULL DEFAULT '',
  body         TEXT NOT NULL DEFAULT '',
  roles        INTEGER NOT NULL DEFAULT 0,
  staff        INTEGER NOT NULL DEFAULT 0,
  ts           TEXT NOT NULL,
  processed    INTEGER NOT NULL DEFAULT 0,
  response     TEXT,
  responded_at TEXT,
  PRIMARY KEY (source_id, id)
);
CREATE INDEX IF NOT EXISTS chat_messages_source_ts ON chat_messages(source_id, ts);
CREATE INDEX IF NOT EXISTS chat_messages_source_staff ON chat_messages(source_id, staff);
`

func createMessages(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, messagesSchema)
	return err
}

// importLegacyLogs copies rows from the dashboard's old chat_logs table when
// one exists in the same database. Flags map onto roles as
// owner=1, moderator=2, admin=4.
func importLegacyLogs(ctx context.Context, tx *sql.Tx) error {
	columns, err := sqliteTableInfo(ctx, tx, "chat_logs")
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return nil
	}
	for _, want := range []string{"stream_id", "message_id", "message_text", "timestamp"} {
		if _, ok := columns[want]; !ok {
			log.Printf("sink: sqlite: chat_logs lacks %s; skipping import", want)
			return nil
		}
	}

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO chat_messages
  (source_id, id, user_id, username, display_name, body, roles, staff, ts, processed, response, responded_at)
SELECT
  stream_id,
  message_id,
  COALESCE(user_id, ''),
  COALESCE(username, ''),
  COALESCE(display_name, ''),
  COALESCE(message_text, ''),
  (CASE WHEN is_owner THEN 1 ELSE 0 END) | (CASE WHEN is_moderator THEN 2 ELSE 0 END) | (CASE WHEN is_admin THEN 4 ELSE 0 END),
  CASE WHEN is_owner OR is_moderator OR is_admin THEN 1 ELSE 0 END,
  strftime('%Y-%m-%dT%H:%M:%f', timestamp) || '000000Z',
  CASE WHEN processed OR response_text IS NOT NULL THEN 1 ELSE 0 END,
  response_text,
  CASE WHEN response_text IS NOT NULL AND response_time IS NOT NULL
       THEN strftime('%Y-%m-%dT%H:%M:%f', response_time) || '000000Z' END
FROM chat_logs
WHERE TRIM(COALESCE(message_id, '')) != '' AND TRIM(COALESCE(stream_id, '')) != '';`)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("sink: sqlite: imported %d chat_logs rows", n)
	}
	return nil
}

// Migrate brings db up to the latest schema version.
func Migrate(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	version, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return errors.Wrap(err, "sqlite: user_version")
	}
	log.Printf("sink: sqlite: path=%s user_version=%d latest=%d", path, version, len(migrations))

	for i := version; i < len(migrations); i++ {
		step := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "sqlite: begin migration")
		}
		if err := step.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "sqlite: migration %d (%s)", i+1, step.label)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, i+1)); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "sqlite: set user_version")
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "sqlite: commit migration %d", i+1)
		}
		log.Printf("sink: sqlite: applied migration %d (%s)", i+1, step.label)
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "chat_messages", "chat_messages_source_ts")
	if err != nil {
		return errors.Wrap(err, "sqlite: inspect indices")
	}
	if !hasIndex {
		return errors.New("sqlite: chat_messages_source_ts index missing after migration")
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqlitePath(ctx context.Context, db queryer) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db queryer) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db queryer, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	return out, rows.Err()
}

func sqliteHasIndex(ctx context.Context, db queryer, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	return false, rows.Err()
}
