// Package pipeline sequences the three-stage ingestion pipeline:
// discovery, fetch, convert. Each stage drives the Gmail client and
// the state tracker; per-message failures are recorded and skipped so
// one bad message never aborts a batch.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/dkrall/inboxmd/internal/content"
	"github.com/dkrall/inboxmd/internal/convert"
	"github.com/dkrall/inboxmd/internal/gmail"
	"github.com/dkrall/inboxmd/internal/model"
	"github.com/dkrall/inboxmd/internal/store"
)

// MailAPI is the Gmail client surface the orchestrator depends on.
// *gmail.Client satisfies it; tests substitute fakes.
type MailAPI interface {
	ListLabels(ctx context.Context) ([]model.Label, error)
	DiscoverMessageIDs(labelID string, pageSize int64, query string) gmail.Pager
	FetchMessagesBatch(ctx context.Context, messageIDs []string) ([]*gmailv1.Message, error)
}

// ProgressFunc observes pipeline progress. It is invoked synchronously
// after each unit of work with a snapshot of the current counters.
type ProgressFunc func(model.FetchProgress)

// StageOptions controls pagination for a single stage invocation. A
// nil Limit or BatchSize means "no cap" and "configured default"
// respectively, mirroring the tracker's filter structs.
type StageOptions struct {
	Limit     *int
	Offset    int
	BatchSize *int
}

// Config holds the orchestrator's settings, threaded in explicitly at
// construction.
type Config struct {
	// Label is the default label when a stage call passes none.
	Label string

	// PageSize is the discovery page size (1-500).
	PageSize int64

	// BatchSize is the default fetch/convert batch size.
	BatchSize int
}

// Ingestor orchestrates the three-stage pipeline against one tracker
// database. There is exactly one Ingestor per store file; all stage
// logic runs sequentially in the calling goroutine.
type Ingestor struct {
	cfg        Config
	client     MailAPI
	tracker    store.Tracker
	raw        *content.RawStore
	writer     *content.Writer
	converter  convert.Converter
	onProgress ProgressFunc

	progress model.FetchProgress
}

// New builds an Ingestor from its collaborators. onProgress may be nil.
func New(
	cfg Config,
	client MailAPI,
	tracker store.Tracker,
	raw *content.RawStore,
	writer *content.Writer,
	onProgress ProgressFunc,
) *Ingestor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Ingestor{
		cfg:        cfg,
		client:     client,
		tracker:    tracker,
		raw:        raw,
		writer:     writer,
		onProgress: onProgress,
		progress:   model.FetchProgress{CurrentStage: model.StageIdle},
	}
}

func (in *Ingestor) notify() {
	if in.onProgress != nil {
		in.onProgress(in.progress)
	}
}

func (in *Ingestor) label(labelID string) string {
	if labelID != "" {
		return labelID
	}
	return in.cfg.Label
}

func (in *Ingestor) batchSize(opts StageOptions) int {
	if opts.BatchSize != nil && *opts.BatchSize > 0 {
		return *opts.BatchSize
	}
	return in.cfg.BatchSize
}

// Run executes the full three-stage pipeline inside a single audit
// run record. Limit and offset gate discovery only; fetch and convert
// drain the full backlog. On a stage failure the audit record is
// still finalized with the counters accumulated so far and the error
// propagates.
func (in *Ingestor) Run(ctx context.Context, labelID, query string, opts StageOptions) (model.FetchProgress, error) {
	label := in.label(labelID)

	runID, err := in.tracker.StartRun(ctx, label)
	if err != nil {
		return in.progress, err
	}

	in.progress = model.FetchProgress{CurrentStage: model.StageDiscovery}
	in.notify()

	in.syncLabels(ctx)

	runErr := func() error {
		if _, err := in.RunDiscovery(ctx, label, query, opts); err != nil {
			return err
		}
		stageOpts := StageOptions{BatchSize: opts.BatchSize}
		if _, err := in.RunFetchPending(ctx, stageOpts); err != nil {
			return err
		}
		if _, err := in.RunConvertPending(ctx, stageOpts); err != nil {
			return err
		}
		return nil
	}()

	if runErr != nil {
		in.progress.CurrentStage = model.StageError(runErr)
	} else {
		in.progress.CurrentStage = model.StageComplete
	}
	in.notify()

	if err := in.tracker.CompleteRun(ctx, runID, store.RunCounters{
		IDsDiscovered:     in.progress.IDsDiscovered,
		MessagesFetched:   in.progress.MessagesFetched,
		MessagesConverted: in.progress.MessagesConverted,
		MessagesFailed:    in.progress.MessagesFailed,
	}); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			log.Printf("completing run %d: %v", runID, err)
		}
	}

	return in.progress, runErr
}

// syncLabels refreshes the label catalog best-effort, so converted
// documents can carry label names. A failure here never aborts a run.
func (in *Ingestor) syncLabels(ctx context.Context) {
	labels, err := in.client.ListLabels(ctx)
	if err != nil {
		log.Printf("refreshing label catalog: %v", err)
		return
	}
	if _, err := in.tracker.UpsertLabels(ctx, labels); err != nil {
		log.Printf("storing label catalog: %v", err)
	}
}

// RunDiscovery iterates discovery pages for a label and inserts each
// page's stubs as pending in one bulk call. Offset skips the first N
// stubs seen across page boundaries; Limit stops collection once N
// stubs have been collected past the offset, truncating the final
// page if needed. Returns the count of newly inserted IDs.
func (in *Ingestor) RunDiscovery(ctx context.Context, labelID, query string, opts StageOptions) (int, error) {
	label := in.label(labelID)

	in.progress.CurrentStage = model.StageDiscovery
	in.notify()

	totalNew := 0
	totalSeen := 0
	totalCollected := 0

	pager := in.client.DiscoverMessageIDs(label, in.cfg.PageSize, query)
	for pager.More() {
		page, err := pager.Next(ctx)
		if err != nil {
			return totalNew, err
		}

		var toInsert []model.MessageStub
		for _, stub := range page {
			totalSeen++
			if totalSeen <= opts.Offset {
				continue
			}
			if opts.Limit != nil && totalCollected >= *opts.Limit {
				break
			}
			toInsert = append(toInsert, stub)
			totalCollected++
		}

		if len(toInsert) > 0 {
			inserted, err := in.tracker.BulkInsertPending(ctx, toInsert, label)
			if err != nil {
				return totalNew, err
			}
			totalNew += inserted
			in.progress.IDsDiscovered += len(toInsert)
			in.notify()
			log.Printf("discovery page: %d IDs (%d new)", len(toInsert), inserted)
		}

		if opts.Limit != nil && totalCollected >= *opts.Limit {
			break
		}
	}

	return totalNew, nil
}

// RunFetchPending pulls pending message IDs in batches, batch-fetches
// them from the API, parses each message, persists its raw body, and
// marks it fetched. A failure processing one message marks that
// message failed and continues; requested IDs absent from the batch
// response are marked failed when still pending. Returns the count of
// messages successfully fetched.
func (in *Ingestor) RunFetchPending(ctx context.Context, opts StageOptions) (int, error) {
	in.progress.CurrentStage = model.StageFetch
	in.notify()

	totalFetched := 0
	batchSize := in.batchSize(opts)

	for {
		queryLimit := batchSize
		if opts.Limit != nil {
			remaining := *opts.Limit - totalFetched
			if remaining <= 0 {
				break
			}
			if remaining < queryLimit {
				queryLimit = remaining
			}
		}

		pendingIDs, err := in.tracker.GetPendingIDs(ctx, queryLimit, opts.Offset)
		if err != nil {
			return totalFetched, err
		}
		if len(pendingIDs) == 0 {
			break
		}

		rawMessages, err := in.client.FetchMessagesBatch(ctx, pendingIDs)
		if err != nil {
			return totalFetched, fmt.Errorf("batch fetch failed: %w", err)
		}

		fetched := make(map[string]bool, len(rawMessages))
		for _, raw := range rawMessages {
			msgID := raw.Id
			if err := in.processFetched(ctx, raw); err != nil {
				log.Printf("processing message %s: %v", msgID, err)
				in.markFailed(ctx, msgID, err.Error())
				continue
			}
			fetched[msgID] = true
			totalFetched++
			in.progress.MessagesFetched++
			in.notify()
		}

		// IDs silently dropped from the batch response stay pending
		// forever unless marked; only clobber a status that is still
		// pending, since a retried sub-call may already have moved it.
		for _, msgID := range pendingIDs {
			if fetched[msgID] {
				continue
			}
			rec, err := in.tracker.GetMessage(ctx, msgID)
			if err != nil {
				return totalFetched, err
			}
			if rec == nil || rec.Status == store.StatusPending {
				in.markFailed(ctx, msgID, "not returned in batch response")
			}
		}
	}

	return totalFetched, nil
}

// processFetched parses one raw message, persists its body parts, and
// records the fetched state with extracted metadata.
func (in *Ingestor) processFetched(ctx context.Context, raw *gmailv1.Message) error {
	email, err := gmail.ParseMessage(raw)
	if err != nil {
		return err
	}

	var paths content.RawPaths
	if !email.Body.IsEmpty() {
		paths, err = in.raw.Store(email.MessageID, email.Body)
		if err != nil {
			return err
		}
	}

	if err := in.tracker.InsertMessageLabels(ctx, email.MessageID, email.LabelIDs); err != nil {
		return err
	}

	return in.tracker.UpdateStatus(ctx, email.MessageID, store.StatusFetched, store.StatusFields{
		Subject:     email.Header.Subject,
		Sender:      email.Header.Sender,
		Date:        email.Header.Date.Format(time.RFC3339),
		RawTextPath: paths.TextPath,
		RawHTMLPath: paths.HTMLPath,
	})
}

// markFailed records a per-message failure and bumps the failure
// counter. Errors updating the status are logged, not propagated; the
// batch keeps moving.
func (in *Ingestor) markFailed(ctx context.Context, messageID, reason string) {
	err := in.tracker.UpdateStatus(ctx, messageID, store.StatusFailed, store.StatusFields{
		ErrorMessage: reason,
	})
	if err != nil {
		log.Printf("marking message %s failed: %v", messageID, err)
	}
	in.progress.MessagesFailed++
	in.notify()
}

// RunConvertPending pulls fetched message IDs in batches, rebuilds
// each message's body from the raw store, converts it, writes the
// document, and marks it converted. Conversion or I/O failure marks
// that message failed and continues. Returns the count of messages
// successfully converted.
func (in *Ingestor) RunConvertPending(ctx context.Context, opts StageOptions) (int, error) {
	in.progress.CurrentStage = model.StageConvert
	in.notify()

	totalConverted := 0
	batchSize := in.batchSize(opts)

	for {
		queryLimit := batchSize
		if opts.Limit != nil {
			remaining := *opts.Limit - totalConverted
			if remaining <= 0 {
				break
			}
			if remaining < queryLimit {
				queryLimit = remaining
			}
		}

		fetchedIDs, err := in.tracker.GetFetchedIDs(ctx, queryLimit, opts.Offset)
		if err != nil {
			return totalConverted, err
		}
		if len(fetchedIDs) == 0 {
			break
		}

		for _, msgID := range fetchedIDs {
			rec, err := in.tracker.GetMessage(ctx, msgID)
			if err != nil {
				return totalConverted, err
			}
			if rec == nil {
				continue
			}

			path, err := in.convertOne(ctx, rec)
			if err != nil {
				log.Printf("converting message %s: %v", msgID, err)
				in.markFailed(ctx, msgID, err.Error())
				continue
			}

			if err := in.tracker.UpdateStatus(ctx, msgID, store.StatusConverted, store.StatusFields{
				MarkdownPath: path,
			}); err != nil {
				return totalConverted, err
			}
			totalConverted++
			in.progress.MessagesConverted++
			in.notify()
		}
	}

	return totalConverted, nil
}

// convertOne rebuilds a message from its tracked state, converts it,
// and writes the document, returning the output path.
func (in *Ingestor) convertOne(ctx context.Context, rec *store.MessageRecord) (string, error) {
	body, err := in.raw.Load(content.RawPaths{
		TextPath: rec.RawTextPath,
		HTMLPath: rec.RawHTMLPath,
	})
	if err != nil {
		return "", err
	}

	date := model.Epoch
	if rec.Date != "" {
		if parsed, err := time.Parse(time.RFC3339, rec.Date); err == nil {
			date = parsed
		}
	}

	header := model.EmailHeader{
		Subject: rec.Subject,
		Sender:  rec.Sender,
		Date:    date,
	}

	if labels, err := in.tracker.GetMessageLabels(ctx, rec.MessageID); err == nil {
		for _, lbl := range labels {
			header.LabelIDs = append(header.LabelIDs, lbl.ID)
			header.LabelNames = append(header.LabelNames, lbl.Name)
		}
	}

	doc, err := in.converter.Convert(rec.MessageID, header, body)
	if err != nil {
		return "", err
	}

	return in.writer.Write(doc)
}

// ListLabels lists the available labels and refreshes the catalog.
func (in *Ingestor) ListLabels(ctx context.Context) ([]model.Label, error) {
	labels, err := in.client.ListLabels(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := in.tracker.UpsertLabels(ctx, labels); err != nil {
		return nil, err
	}
	return labels, nil
}

// GetStatus returns current message counts by status.
func (in *Ingestor) GetStatus(ctx context.Context) (map[store.Status]int, error) {
	return in.tracker.CountByStatus(ctx)
}

// RetryFailed resets failed messages to pending for another attempt.
func (in *Ingestor) RetryFailed(ctx context.Context) (int, error) {
	return in.tracker.RetryFailed(ctx)
}

// Progress returns a snapshot of the current counters.
func (in *Ingestor) Progress() model.FetchProgress {
	return in.progress
}

// Close releases the tracker's database connection.
func (in *Ingestor) Close() error {
	return in.tracker.Close()
}
