package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"membranecore/internal/blob"
	"membranecore/pkg/domain"
)

const (
	archivePrefix   = "runs/"
	traceObject     = "trace.jsonl"
	resultObject    = "result.json"
	maxArchivedLine = 64 << 20
)

// RunSummary is the result document archived next to a run's trace.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	System     string          `json:"system"`
	Outcome    domain.Outcome  `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	Steps      int             `json:"steps"`
	Metrics    domain.Metrics  `json:"metrics"`
	Result     domain.Multiset `json:"result"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// TraceArchive writes run traces as JSON lines and run summaries as JSON
// documents under runs/<run-id>/ in a blob store.
type TraceArchive struct {
	store blob.Store
}

// NewTraceArchive archives into store.
func NewTraceArchive(store blob.Store) *TraceArchive {
	return &TraceArchive{store: store}
}

// Store returns the underlying blob store.
func (a *TraceArchive) Store() blob.Store { return a.store }

func archiveKey(runID, object string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, "/\\") {
		return "", fmt.Errorf("core: invalid run id %q", runID)
	}
	return archivePrefix + runID + "/" + object, nil
}

// WriteTrace stores configs as runs/<run-id>/trace.jsonl, one configuration
// per line in step order.
func (a *TraceArchive) WriteTrace(ctx context.Context, runID string, configs []domain.Configuration) (blob.Info, error) {
	key, err := archiveKey(runID, traceObject)
	if err != nil {
		return blob.Info{}, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, cfg := range configs {
		if err := enc.Encode(cfg); err != nil {
			return blob.Info{}, fmt.Errorf("core: encode step %d: %w", cfg.Step, err)
		}
	}
	info, err := a.store.Put(ctx, key, &buf, blob.PutOptions{
		ContentType: "application/x-ndjson",
		Metadata:    map[string]string{"run-id": runID, "steps": fmt.Sprint(len(configs))},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("core: archive trace %s: %w", runID, err)
	}
	return info, nil
}

// WriteSummary stores summary as runs/<run-id>/result.json.
func (a *TraceArchive) WriteSummary(ctx context.Context, summary RunSummary) (blob.Info, error) {
	key, err := archiveKey(summary.RunID, resultObject)
	if err != nil {
		return blob.Info{}, err
	}
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return blob.Info{}, err
	}
	info, err := a.store.Put(ctx, key, bytes.NewReader(b), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"run-id": summary.RunID, "outcome": string(summary.Outcome)},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("core: archive result %s: %w", summary.RunID, err)
	}
	return info, nil
}

// Summary loads the archived result document of runID.
func (a *TraceArchive) Summary(ctx context.Context, runID string) (RunSummary, error) {
	key, err := archiveKey(runID, resultObject)
	if err != nil {
		return RunSummary{}, err
	}
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return RunSummary{}, archiveNotFound(runID, err)
	}
	defer func() { _ = rc.Close() }()
	var out RunSummary
	if err := json.NewDecoder(rc).Decode(&out); err != nil {
		return RunSummary{}, fmt.Errorf("core: decode result %s: %w", runID, err)
	}
	return out, nil
}

// Trace streams the archived configurations of runID in step order. A
// decoding or read failure is yielded once and ends the sequence.
func (a *TraceArchive) Trace(ctx context.Context, runID string) iter.Seq2[domain.Configuration, error] {
	return func(yield func(domain.Configuration, error) bool) {
		key, err := archiveKey(runID, traceObject)
		if err != nil {
			yield(domain.Configuration{}, err)
			return
		}
		_, rc, err := a.store.Get(ctx, key)
		if err != nil {
			yield(domain.Configuration{}, archiveNotFound(runID, err))
			return
		}
		defer func() { _ = rc.Close() }()
		sc := bufio.NewScanner(rc)
		sc.Buffer(make([]byte, 0, 64<<10), maxArchivedLine)
		for sc.Scan() {
			if err := ctx.Err(); err != nil {
				yield(domain.Configuration{}, err)
				return
			}
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var cfg domain.Configuration
			if err := json.Unmarshal(line, &cfg); err != nil {
				yield(domain.Configuration{}, fmt.Errorf("core: decode trace %s: %w", runID, err))
				return
			}
			if !yield(cfg, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(domain.Configuration{}, fmt.Errorf("core: read trace %s: %w", runID, err))
		}
	}
}

// Runs lists the ids of archived runs in lexical order.
func (a *TraceArchive) Runs(ctx context.Context) ([]string, error) {
	infos, err := a.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("core: list archive: %w", err)
	}
	seen := map[string]struct{}{}
	for _, info := range infos {
		rest := strings.TrimPrefix(info.Key, archivePrefix)
		if id, _, ok := strings.Cut(rest, "/"); ok && id != "" {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// TraceURL returns a shareable URL for the trace of runID when the backend
// supports pre-signing; otherwise blob.ErrUnsupported.
func (a *TraceArchive) TraceURL(ctx context.Context, runID string, expiry time.Duration) (string, error) {
	key, err := archiveKey(runID, traceObject)
	if err != nil {
		return "", err
	}
	return a.store.PresignURL(ctx, key, blob.SignedURLOptions{Expiry: expiry})
}

// Delete removes every archived object of runID and reports whether any
// existed.
func (a *TraceArchive) Delete(ctx context.Context, runID string) (bool, error) {
	var (
		removed bool
		errs    []error
	)
	for _, object := range []string{traceObject, resultObject} {
		key, err := archiveKey(runID, object)
		if err != nil {
			return false, err
		}
		ok, err := a.store.Delete(ctx, key)
		if err != nil {
			errs = append(errs, err)
		}
		removed = removed || ok
	}
	return removed, errors.Join(errs...)
}

func archiveNotFound(runID string, err error) error {
	if errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("%w: archived run %s", domain.ErrNotFound, runID)
	}
	return fmt.Errorf("core: read archive %s: %w", runID, err)
}
