package client

import (
	"context"
	"net/url"
	"strconv"

	"github.com/leviathan-sh/leviathan/pkg/api"
	"github.com/leviathan-sh/leviathan/pkg/journal"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// RemoteJournal adapts the control-plane API to the journal interface so a
// follower process (the scheduler's local projection) can fold the same event
// stream it would fold in-process. Appends go through ingest; reads page
// through GET /v1/events.
type RemoteJournal struct {
	c *Client
}

// Journal returns the remote journal view of this client.
func (c *Client) Journal() *RemoteJournal {
	return &RemoteJournal{c: c}
}

// Append submits the bundle via ingest.
func (j *RemoteJournal) Append(ctx context.Context, bundle *types.Bundle) (*journal.AppendResult, error) {
	res, err := j.c.SubmitWithResult(ctx, bundle)
	if err != nil {
		return nil, err
	}
	return &journal.AppendResult{
		FirstSeq: res.FirstSeq,
		LastSeq:  res.LastSeq,
		Tip:      journal.Tip{Seq: res.TipSeq, Hash: res.TipHash},
	}, nil
}

// Range fetches events matching opts.
func (j *RemoteJournal) Range(ctx context.Context, opts journal.RangeOpts) ([]*journal.SequencedEvent, error) {
	q := url.Values{}
	if opts.SinceSeq > 0 {
		q.Set("sinceSeq", strconv.FormatUint(opts.SinceSeq, 10))
	}
	if opts.UntilSeq > 0 {
		q.Set("untilSeq", strconv.FormatUint(opts.UntilSeq, 10))
	}
	if opts.TargetID != "" {
		q.Set("target", opts.TargetID)
	}
	if opts.EventType != "" {
		q.Set("eventType", string(opts.EventType))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.EventsResponse
	if err := j.c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Tip fetches the chain tip.
func (j *RemoteJournal) Tip(ctx context.Context) (journal.Tip, error) {
	var tip journal.Tip
	if err := j.c.do(ctx, "GET", "/v1/events/tip", nil, &tip); err != nil {
		return journal.Tip{}, err
	}
	return tip, nil
}

// VerifyChain runs a server-side verification over the whole chain; from and
// to are advisory only for the remote case.
func (j *RemoteJournal) VerifyChain(ctx context.Context, from, to uint64) (*journal.VerifyReport, error) {
	res, err := j.c.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	return &journal.VerifyReport{
		OK:     res.OK,
		BadSeq: res.BadSeq,
		Detail: res.Detail,
	}, nil
}

// Close is a no-op; the underlying HTTP client carries no state to release.
func (j *RemoteJournal) Close() error {
	return nil
}
