package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/you/botpanel/internal/core"
)

// RecordSchema is bumped whenever Record changes incompatibly.
const RecordSchema = 1

// Record is the NDJSON export form of one message. Seq is the 1-based
// admission position and is what Import orders by.
type Record struct {
	Schema      int        `json:"schema"`
	Seq         int        `json:"seq"`
	SourceID    string     `json:"source_id"`
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name,omitempty"`
	Body        string     `json:"body"`
	Roles       []string   `json:"roles"`
	Ts          time.Time  `json:"ts"`
	Processed   bool       `json:"processed"`
	Response    *string    `json:"response,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

func NewRecord(seq int, m core.ChatMessage) Record {
	m = m.Clone()
	return Record{
		Schema:      RecordSchema,
		Seq:         seq,
		SourceID:    m.SourceID,
		ID:          m.ID,
		UserID:      m.UserID,
		Username:    m.Username,
		DisplayName: m.DisplayName,
		Body:        m.Body,
		Roles:       m.Roles.Strings(),
		Ts:          m.Ts,
		Processed:   m.Processed,
		Response:    m.Response,
		RespondedAt: m.RespondedAt,
	}
}

// Message converts the record back. Unknown role names are an error so a
// lossy import is never silent.
func (r Record) Message() (core.ChatMessage, error) {
	if r.Schema != RecordSchema {
		return core.ChatMessage{}, fmt.Errorf("unsupported record schema %d", r.Schema)
	}
	roles, unknown := core.ParseRoles(r.Roles)
	if len(unknown) > 0 {
		return core.ChatMessage{}, fmt.Errorf("record %q: unknown roles %s", r.ID, strings.Join(unknown, ","))
	}
	m := core.ChatMessage{
		ID:          r.ID,
		SourceID:    r.SourceID,
		UserID:      r.UserID,
		Username:    r.Username,
		DisplayName: r.DisplayName,
		Body:        r.Body,
		Roles:       roles,
		Ts:          r.Ts,
		Processed:   r.Processed,
		Response:    r.Response,
		RespondedAt: r.RespondedAt,
	}
	return m.Clone(), nil
}

// Export writes the whole feed, in admission order, one JSON record per line.
func (f *Feed) Export(w io.Writer) error {
	return f.View(All).Export(w)
}

// Export writes the snapshot as NDJSON.
func (v View) Export(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, m := range v.msgs {
		if err := enc.Encode(NewRecord(i+1, m)); err != nil {
			return fmt.Errorf("export %q: %w", m.ID, err)
		}
	}
	return bw.Flush()
}

// ReadRecords decodes an NDJSON export. Blank lines are skipped.
func ReadRecords(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
}

// Import builds a fresh feed from an export. Every record must belong to the
// same source and appear in seq order; the append invariants (unique ids,
// response implies processed) are enforced. Imported messages do not count
// as live activity.
func Import(r io.Reader, opts ...Option) (*Feed, error) {
	recs, err := ReadRecords(r)
	if err != nil {
		return nil, err
	}
	sourceID := ""
	if len(recs) > 0 {
		sourceID = recs[0].SourceID
	}
	f := New(sourceID, opts...)
	activity := f.activity
	f.activity = nil
	defer func() { f.activity = activity }()

	for i, rec := range recs {
		if rec.SourceID != sourceID {
			return nil, fmt.Errorf("record %d: source %q differs from %q", i+1, rec.SourceID, sourceID)
		}
		if rec.Seq != i+1 {
			return nil, fmt.Errorf("record %d: out of order seq %d", i+1, rec.Seq)
		}
		msg, err := rec.Message()
		if err != nil {
			return nil, err
		}
		if err := f.Append(msg); err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
	}
	return f, nil
}
