package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

const (
	segmentPattern  = "segment-%06d.ndjson"
	segmentGlob     = "segment-*.ndjson"
	tipSidecarName  = "TIP"
	segmentMaxLines = 10000
)

// fileLine is one journal entry on disk: the sequence number plus the fully
// chained event.
type fileLine struct {
	Seq   uint64       `json:"seq"`
	Event *types.Event `json:"event"`
}

// FileJournal is the development backend: append-only line-delimited JSON
// segments under a directory, with a TIP sidecar recording (sequence, hash).
type FileJournal struct {
	dir string

	mu       sync.Mutex
	seq      uint64
	lastHash string
	eventIDs map[string]uint64 // eventId -> seq
	segment  int               // active segment number
	segLines int               // lines in active segment
}

// OpenFileJournal opens (or creates) a file journal at dir and rebuilds the
// in-memory index by scanning every segment in order.
func OpenFileJournal(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &FileJournal{
		dir:      dir,
		lastHash: GenesisHash,
		eventIDs: make(map[string]uint64),
		segment:  1,
	}

	segments, err := j.segmentFiles()
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		lines, err := readSegment(seg)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			j.seq = line.Seq
			j.lastHash = line.Event.Hash
			j.eventIDs[line.Event.EventID] = line.Seq
		}
		j.segLines = len(lines)
	}
	if n := len(segments); n > 0 {
		j.segment = n
		if j.segLines >= segmentMaxLines {
			j.segment++
			j.segLines = 0
		}
	}

	// The sidecar is a convenience for operators; the segments are the truth.
	if err := j.writeTipSidecar(); err != nil {
		return nil, err
	}
	return j, nil
}

// Close releases the journal. File handles are opened per operation, so this
// only invalidates the instance.
func (j *FileJournal) Close() error {
	return nil
}

// Append persists the bundle atomically: every event chained and written in
// one buffered write followed by a sync, or nothing at all.
func (j *FileJournal) Append(ctx context.Context, bundle *types.Bundle) (*AppendResult, error) {
	if err := validateBundle(bundle); err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range bundle.Events {
		if _, dup := j.eventIDs[e.EventID]; dup {
			return nil, errdefs.Newf(errdefs.KindConflict, "event id %s already in journal", e.EventID)
		}
	}

	var buf bytes.Buffer
	seq := j.seq
	prevHash := j.lastHash
	chained := make([]*types.Event, 0, len(bundle.Events))
	for _, e := range bundle.Events {
		ev, err := chainEvent(e, bundle.Target, prevHash)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindValidationFailed, "chain event", err)
		}
		seq++
		line, err := json.Marshal(&fileLine{Seq: seq, Event: ev})
		if err != nil {
			return nil, fmt.Errorf("encode journal line: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		prevHash = ev.Hash
		chained = append(chained, ev)
	}

	if j.segLines >= segmentMaxLines {
		j.segment++
		j.segLines = 0
	}

	f, err := os.OpenFile(j.activeSegmentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransportFailed, "open segment", err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransportFailed, "write bundle", err)
	}
	if err := f.Sync(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransportFailed, "sync segment", err)
	}

	firstSeq := j.seq + 1
	j.seq = seq
	j.lastHash = prevHash
	j.segLines += len(chained)
	for i, ev := range chained {
		j.eventIDs[ev.EventID] = firstSeq + uint64(i)
	}

	if err := j.writeTipSidecar(); err != nil {
		return nil, err
	}

	return &AppendResult{
		FirstSeq: firstSeq,
		LastSeq:  j.seq,
		Tip:      Tip{Seq: j.seq, Hash: j.lastHash},
	}, nil
}

// Range returns events in journal order, filtered by opts. The lock excludes
// a concurrent Append mid-write; a reader must never observe a torn line.
func (j *FileJournal) Range(ctx context.Context, opts RangeOpts) ([]*SequencedEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	segments, err := j.segmentFiles()
	if err != nil {
		return nil, err
	}

	var out []*SequencedEvent
	for _, seg := range segments {
		lines, err := readSegment(seg)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			if line.Seq <= opts.SinceSeq {
				continue
			}
			if opts.UntilSeq > 0 && line.Seq > opts.UntilSeq {
				return out, nil
			}
			if opts.TargetID != "" && line.Event.TargetID != opts.TargetID {
				continue
			}
			if opts.EventType != "" && line.Event.EventType != opts.EventType {
				continue
			}
			out = append(out, &SequencedEvent{Seq: line.Seq, Event: line.Event})
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Tip returns the latest (sequence, hash).
func (j *FileJournal) Tip(ctx context.Context) (Tip, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Tip{Seq: j.seq, Hash: j.lastHash}, nil
}

// VerifyChain recomputes every hash in [from, to] and reports the first
// divergence. from=0 means genesis, to=0 means the tip.
func (j *FileJournal) VerifyChain(ctx context.Context, from, to uint64) (*VerifyReport, error) {
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
			report.Detail = fmt.Sprintf("event %s prevHash %s does not link to %s",
				se.Event.EventID, se.Event.PrevHash, prevHash)
			return report, nil
		}
		want, err := EventHash(prevHash, se.Event)
		if err != nil {
			return nil, err
		}
		if se.Event.Hash != want {
			report.OK = false
			report.BadSeq = se.Seq
			report.Detail = fmt.Sprintf("event %s hash mismatch: recorded %s computed %s",
				se.Event.EventID, se.Event.Hash, want)
			return report, nil
		}
		prevHash = se.Event.Hash
		report.CheckedTo = se.Seq
	}
	return report, nil
}

func (j *FileJournal) activeSegmentPath() string {
	return filepath.Join(j.dir, fmt.Sprintf(segmentPattern, j.segment))
}

func (j *FileJournal) segmentFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(j.dir, segmentGlob))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (j *FileJournal) writeTipSidecar() error {
	data, err := json.Marshal(Tip{Seq: j.seq, Hash: j.lastHash})
	if err != nil {
		return err
	}
	tmp := filepath.Join(j.dir, tipSidecarName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write tip sidecar: %w", err)
	}
	return os.Rename(tmp, filepath.Join(j.dir, tipSidecarName))
}

func readSegment(path string) ([]*fileLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	var lines []*fileLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var line fileLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, errdefs.Wrap(errdefs.KindIntegrityAlarm, fmt.Sprintf("corrupt line in %s", path), err)
		}
		lines = append(lines, &line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan segment %s: %w", path, err)
	}
	return lines, nil
}
