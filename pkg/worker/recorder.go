package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/log"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// BundleSubmitter delivers an event bundle to the control plane.
type BundleSubmitter interface {
	Submit(ctx context.Context, bundle *types.Bundle) error
}

const (
	submitBaseDelay = 500 * time.Millisecond
	submitMaxDelay  = 15 * time.Second

	// submitBudget bounds the total elapsed time spent retrying one bundle,
	// not the number of tries.
	submitBudget = 2 * time.Minute
)

// recorder accumulates the attempt's events and ships them as bundles.
// Submission retries transport failures with exponential backoff and full
// jitter inside an elapsed-time budget; on total failure a crash artifact is
// written so the attempt leaves a trace even without a terminal event.
type recorder struct {
	submitter BundleSubmitter
	targetID  string
	actorID   string
	crashDir  string

	pending   []*types.Event
	artifacts []*types.ArtifactRef
}

func newRecorder(submitter BundleSubmitter, targetID, actorID, crashDir string) *recorder {
	return &recorder{
		submitter: submitter,
		targetID:  targetID,
		actorID:   actorID,
		crashDir:  crashDir,
	}
}

// record queues one event.
func (r *recorder) record(et types.EventType, payload map[string]interface{}) {
	r.pending = append(r.pending, &types.Event{
		EventID:   uuid.New().String(),
		EventType: et,
		Timestamp: time.Now().UTC(),
		ActorID:   r.actorID,
		Payload:   payload,
	})
}

// attach queues an artifact reference for the next flush.
func (r *recorder) attach(ref *types.ArtifactRef) {
	r.artifacts = append(r.artifacts, ref)
}

// flush submits everything queued as one bundle. The submission context is
// detached from the attempt context so a timed-out attempt can still deliver
// its terminal event.
func (r *recorder) flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	bundle := &types.Bundle{
		BundleID:  uuid.New().String(),
		Target:    r.targetID,
		Events:    r.pending,
		Artifacts: r.artifacts,
	}

	deadline := time.Now().Add(submitBudget)
	delay := submitBaseDelay
	for {
		submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		err := r.submitter.Submit(submitCtx, bundle)
		cancel()
		if err == nil {
			r.pending = nil
			r.artifacts = nil
			return nil
		}
		if !errdefs.Retryable(err) || time.Now().After(deadline) {
			r.crash(bundle, err)
			return err
		}

		// Full jitter: sleep a uniform fraction of the capped exponential.
		sleep := time.Duration(rand.Int63n(int64(delay)))
		log.WithComponent("worker").Warn().Err(err).Dur("backoff", sleep).Msg("bundle submission failed, retrying")
		time.Sleep(sleep)
		if delay *= 2; delay > submitMaxDelay {
			delay = submitMaxDelay
		}
	}
}

// crash writes the undelivered bundle to disk for postmortem.
func (r *recorder) crash(bundle *types.Bundle, cause error) {
	if r.crashDir == "" {
		return
	}
	if err := os.MkdirAll(r.crashDir, 0755); err != nil {
		log.WithComponent("worker").Error().Err(err).Msg("crash artifact dir unavailable")
		return
	}
	payload := map[string]interface{}{
		"error":  cause.Error(),
		"bundle": bundle,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(r.crashDir, "bundle-"+bundle.BundleID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.WithComponent("worker").Error().Err(err).Msg("crash artifact write failed")
		return
	}
	log.WithComponent("worker").Error().Str("path", path).Msg("bundle undeliverable, crash artifact written")
}
