package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// sqlSchema creates the append-only events table. The trigger rejects UPDATE
// and DELETE so the append-only invariant holds even against direct SQL.
const sqlSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq        BIGSERIAL PRIMARY KEY,
	event_id   TEXT        NOT NULL,
	event_type TEXT        NOT NULL,
	target_id  TEXT        NOT NULL,
	actor_id   TEXT        NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	payload    JSONB       NOT NULL,
	prev_hash  TEXT        NOT NULL,
	hash       TEXT        NOT NULL,
	bundle_id  TEXT        NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS events_event_id_idx ON events (event_id);
CREATE UNIQUE INDEX IF NOT EXISTS events_hash_idx ON events (hash);
CREATE INDEX IF NOT EXISTS events_target_idx ON events (target_id, seq);

CREATE OR REPLACE FUNCTION events_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'events table is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS events_no_mutation ON events;
CREATE TRIGGER events_no_mutation
	BEFORE UPDATE OR DELETE ON events
	FOR EACH ROW EXECUTE FUNCTION events_append_only();
`

// advisoryLockKey serializes appenders so the hash chain stays contiguous
// under concurrent bundle submissions.
const advisoryLockKey = 0x1E71A7

type sqlEventRow struct {
	Seq       uint64    `db:"seq"`
	EventID   string    `db:"event_id"`
	EventType string    `db:"event_type"`
	TargetID  string    `db:"target_id"`
	ActorID   string    `db:"actor_id"`
	TS        time.Time `db:"ts"`
	Payload   []byte    `db:"payload"`
	PrevHash  string    `db:"prev_hash"`
	Hash      string    `db:"hash"`
	BundleID  string    `db:"bundle_id"`
}

func (r *sqlEventRow) toEvent() (*types.Event, error) {
	var payload map[string]interface{}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", r.EventID, err)
		}
	}
	return &types.Event{
		EventID:   r.EventID,
		EventType: types.EventType(r.EventType),
		Timestamp: r.TS.UTC(),
		ActorID:   r.ActorID,
		TargetID:  r.TargetID,
		Payload:   payload,
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	}, nil
}

// SQLJournal is the production backend: an append-only Postgres table with
// unique indexes on event_id and hash, protected by a no-mutation trigger.
type SQLJournal struct {
	db *sqlx.DB
}

// OpenSQLJournal connects with the postgres driver and ensures the schema.
func OpenSQLJournal(dsn string) (*SQLJournal, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransportFailed, "connect journal database", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	return &SQLJournal{db: db}, nil
}

// Close closes the database handle.
func (j *SQLJournal) Close() error {
	return j.db.Close()
}

// Append persists the bundle in one transaction, serialized against other
// appenders by an advisory lock.
func (j *SQLJournal) Append(ctx context.Context, bundle *types.Bundle) (*AppendResult, error) {
	if err := validateBundle(bundle); err != nil {
		return nil, err
	}

	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransportFailed, "begin append", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransportFailed, "acquire append lock", err)
	}

	tip, err := tipTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	prevHash := tip.Hash
	firstSeq := uint64(0)
	lastSeq := uint64(0)
	for _, e := range bundle.Events {
		ev, err := chainEvent(e, bundle.Target, prevHash)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindValidationFailed, "chain event", err)
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}

		var seq uint64
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO events (event_id, event_type, target_id, actor_id, ts, payload, prev_hash, hash, bundle_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING seq`,
			ev.EventID, string(ev.EventType), ev.TargetID, ev.ActorID,
			ev.Timestamp.UTC(), payload, ev.PrevHash, ev.Hash, bundle.BundleID,
		).Scan(&seq)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, errdefs.Newf(errdefs.KindConflict, "event id %s already in journal", ev.EventID)
			}
			return nil, errdefs.Wrap(errdefs.KindTransportFailed, "insert event", err)
		}
		if firstSeq == 0 {
			firstSeq = seq
		}
		lastSeq = seq
		prevHash = ev.Hash
	}

	if err := tx.Commit(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransportFailed, "commit append", err)
	}

	return &AppendResult{
		FirstSeq: firstSeq,
		LastSeq:  lastSeq,
		Tip:      Tip{Seq: lastSeq, Hash: prevHash},
	}, nil
}

// Range returns events in sequence order, filtered by opts.
func (j *SQLJournal) Range(ctx context.Context, opts RangeOpts) ([]*SequencedEvent, error) {
	query := "SELECT seq, event_id, event_type, target_id, actor_id, ts, payload, prev_hash, hash, bundle_id FROM events WHERE seq > $1"
	args := []interface{}{opts.SinceSeq}
	n := 2
	if opts.UntilSeq > 0 {
		query += fmt.Sprintf(" AND seq <= $%d", n)
		args = append(args, opts.UntilSeq)
		n++
	}
	if opts.TargetID != "" {
		query += fmt.Sprintf(" AND target_id = $%d", n)
		args = append(args, opts.TargetID)
		n++
	}
	if opts.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", n)
		args = append(args, string(opts.EventType))
		n++
	}
	query += " ORDER BY seq"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, opts.Limit)
	}

	var rows []sqlEventRow
	if err := j.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransportFailed, "range events", err)
	}

	out := make([]*SequencedEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, &SequencedEvent{Seq: rows[i].Seq, Event: ev})
	}
	return out, nil
}

// Tip returns the latest (sequence, hash).
func (j *SQLJournal) Tip(ctx context.Context) (Tip, error) {
	var row sqlEventRow
	err := j.db.GetContext(ctx, &row, "SELECT seq, hash FROM events ORDER BY seq DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return Tip{Seq: 0, Hash: GenesisHash}, nil
	}
	if err != nil {
		return Tip{}, errdefs.Wrap(errdefs.KindTransportFailed, "read tip", err)
	}
	return Tip{Seq: row.Seq, Hash: row.Hash}, nil
}

// VerifyChain recomputes hashes over [from, to] and reports the first
// divergence.
func (j *SQLJournal) VerifyChain(ctx context.Context, from, to uint64) (*VerifyReport, error) {
	events, err := j.Range(ctx, RangeOpts{})
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{OK: true, CheckedFrom: from, CheckedTo: to}
	prevHash := GenesisHash
	for _, se := range events {
		if from > 0 && se.Seq < from {
			prevHash = se.Event.Hash
			continue
		}
		if to > 0 && se.Seq > to {
			break
		}
		if se.Event.PrevHash != prevHash {
			report.OK = false
			report.BadSeq = se.Seq
			report.Detail = fmt.Sprintf("event %s prevHash does not link", se.Event.EventID)
			return report, nil
		}
		want, err := EventHash(prevHash, se.Event)
		if err != nil {
			return nil, err
		}
		if se.Event.Hash != want {
			report.OK = false
			report.BadSeq = se.Seq
			report.Detail = fmt.Sprintf("event %s hash mismatch", se.Event.EventID)
			return report, nil
		}
		prevHash = se.Event.Hash
		report.CheckedTo = se.Seq
	}
	return report, nil
}

func tipTx(ctx context.Context, tx *sqlx.Tx) (Tip, error) {
	var row sqlEventRow
	err := tx.GetContext(ctx, &row, "SELECT seq, hash FROM events ORDER BY seq DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return Tip{Seq: 0, Hash: GenesisHash}, nil
	}
	if err != nil {
		return Tip{}, errdefs.Wrap(errdefs.KindTransportFailed, "read tip", err)
	}
	return Tip{Seq: row.Seq, Hash: row.Hash}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// Fallback for drivers that do not expose typed errors.
	return strings.Contains(err.Error(), "duplicate key")
}
