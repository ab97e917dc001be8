// Package dispatch runs the scheduling loop that turns pending content
// items into published posts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"xposter/internal/media"
	"xposter/internal/poster"
	"xposter/internal/source"
	"xposter/internal/staging"
	"xposter/internal/upload"
)

const sweepInterval = time.Hour

// Sweeper collects stale staged media left behind by failed items.
type Sweeper interface {
	Sweep(retention time.Duration) error
}

// Prober measures a local media file's attributes ahead of validation.
type Prober func(ctx context.Context, path string) (media.Asset, error)

// Dispatcher pulls due items from the content source and drives each one
// through validation, staging, upload and publish. One item is in flight
// at a time; a single dispatcher process is assumed.
type Dispatcher struct {
	src       source.Source
	validator *media.Validator
	staging   staging.Store
	sweeper   Sweeper
	uploads   *upload.Engine
	publisher *poster.Client
	client    *http.Client
	probe     Prober
	health    *Health

	downloadDir      string
	maxMediaBytes    int64
	maxAttempts      int
	batchSize        int
	scheduleMode     string
	postInterval     time.Duration
	postTimes        []string
	stagingRetention time.Duration
}

// Config holds dispatcher configuration.
type Config struct {
	Source    source.Source
	Validator *media.Validator
	Staging   staging.Store
	Sweeper   Sweeper
	Uploads   *upload.Engine
	Publisher *poster.Client
	Client    *http.Client
	Probe     Prober // defaults to media.Probe

	DownloadDir      string
	MaxMediaBytes    int64
	MaxAttempts      int
	BatchSize        int
	ScheduleMode     string
	PostInterval     time.Duration
	PostTimes        []string
	StagingRetention time.Duration
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		src:              cfg.Source,
		validator:        cfg.Validator,
		staging:          cfg.Staging,
		sweeper:          cfg.Sweeper,
		uploads:          cfg.Uploads,
		publisher:        cfg.Publisher,
		client:           cfg.Client,
		probe:            cfg.Probe,
		health:           NewHealth(),
		downloadDir:      cfg.DownloadDir,
		maxMediaBytes:    cfg.MaxMediaBytes,
		maxAttempts:      cfg.MaxAttempts,
		batchSize:        cfg.BatchSize,
		scheduleMode:     cfg.ScheduleMode,
		postInterval:     cfg.PostInterval,
		postTimes:        cfg.PostTimes,
		stagingRetention: cfg.StagingRetention,
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: 2 * time.Minute}
	}
	if d.probe == nil {
		d.probe = media.Probe
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 3
	}
	if d.batchSize <= 0 {
		d.batchSize = 10
	}
	if d.stagingRetention <= 0 {
		d.stagingRetention = 24 * time.Hour
	}
	return d
}

// Run starts the dispatch loop and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("starting dispatcher",
		"schedule_mode", d.scheduleMode,
		"post_interval", d.postInterval,
		"post_times", strings.Join(d.postTimes, ","),
	)

	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	if len(d.postTimes) > 0 && d.scheduleMode == "specific_times" {
		return d.runCron(ctx, sweepTicker.C)
	}
	return d.runInterval(ctx, sweepTicker.C)
}

func (d *Dispatcher) runInterval(ctx context.Context, sweep <-chan time.Time) error {
	ticker := time.NewTicker(d.postInterval)
	defer ticker.Stop()

	d.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher shutting down")
			return ctx.Err()
		case <-ticker.C:
			d.RunCycle(ctx)
		case <-sweep:
			d.runSweep()
		}
	}
}

func (d *Dispatcher) runCron(ctx context.Context, sweep <-chan time.Time) error {
	c := cron.New()
	for _, t := range d.postTimes {
		at, err := time.Parse("15:04", t)
		if err != nil {
			return fmt.Errorf("invalid post time %q: %w", t, err)
		}
		spec := fmt.Sprintf("%d %d * * *", at.Minute(), at.Hour())
		if _, err := c.AddFunc(spec, func() { d.RunCycle(ctx) }); err != nil {
			return fmt.Errorf("schedule post time %q: %w", t, err)
		}
	}
	c.Start()
	defer c.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher shutting down")
			return ctx.Err()
		case <-sweep:
			d.runSweep()
		}
	}
}

func (d *Dispatcher) runSweep() {
	if d.sweeper == nil {
		return
	}
	if err := d.sweeper.Sweep(d.stagingRetention); err != nil {
		slog.Warn("staging sweep failed", "error", err)
	}
}

// RunCycle processes all currently due items in scheduled order. It is the
// unit of work behind both the loop and the one-shot post command.
func (d *Dispatcher) RunCycle(ctx context.Context) {
	slog.Debug("running post cycle")

	items, err := d.src.ListPending(ctx, time.Now(), d.batchSize)
	if err != nil {
		d.health.SetUnhealthy("source", err)
		slog.Error("failed to list pending items", "error", err)
		return
	}
	d.health.SetHealthy("source", "listed pending items")

	if len(items) == 0 {
		slog.Debug("no items due")
		return
	}

	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		d.processItem(ctx, it)
	}
}

func (d *Dispatcher) processItem(ctx context.Context, it source.Item) {
	slog.Info("processing item", "id", it.ID, "scheduled_at", it.ScheduledAt)

	var mediaID, stagedKey string
	if it.MediaRef != "" {
		var err error
		mediaID, stagedKey, err = d.prepareMedia(ctx, it)
		if err != nil {
			d.recordFailure(ctx, it, err)
			return
		}
	}

	res, err := d.publisher.Create(ctx, it.Text, mediaID)
	if err != nil {
		d.recordFailure(ctx, it, err)
		return
	}

	// Record the outcome before touching the next item. A second dispatch
	// of the same item loses the compare-and-set and is dropped.
	if err := d.src.MarkPosted(ctx, it.ID, res.PostID); err != nil {
		if errors.Is(err, source.ErrAlreadyPosted) {
			slog.Warn("item was already marked posted", "id", it.ID)
			return
		}
		slog.Error("published but could not record outcome", "id", it.ID, "post_id", res.PostID, "error", err)
		if holdErr := d.src.Hold(ctx, it.ID, fmt.Sprintf("published as %s but outcome write failed: %v", res.PostID, err)); holdErr != nil {
			slog.Error("failed to hold item", "id", it.ID, "error", holdErr)
		}
		return
	}

	if stagedKey != "" {
		if err := d.staging.Delete(ctx, stagedKey); err != nil {
			slog.Warn("failed to delete staged media", "key", stagedKey, "error", err)
		}
	}

	d.health.SetHealthy("publish", "posted successfully")
	slog.Info("item published", "id", it.ID, "post_id", res.PostID)
}

// prepareMedia acquires, validates, stages and uploads the item's media.
// Staged media is deleted by the caller on success only; failed items keep
// it for diagnosis until the sweep collects it.
func (d *Dispatcher) prepareMedia(ctx context.Context, it source.Item) (mediaID, stagedKey string, err error) {
	path, temporary, err := d.acquire(ctx, it.MediaRef)
	if err != nil {
		return "", "", err
	}
	if temporary {
		defer os.Remove(path)
	}

	asset, err := d.probe(ctx, path)
	if err != nil {
		return "", "", err
	}
	if err := d.validator.Validate(asset); err != nil {
		return "", "", err
	}

	key := staging.NewKey(path)
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("open media file: %w", err)
	}
	err = d.staging.Put(ctx, key, f)
	f.Close()
	if err != nil {
		return "", "", err
	}

	r, err := d.staging.Get(ctx, key)
	if err != nil {
		return "", key, err
	}
	defer r.Close()

	mediaID, err = d.uploads.Upload(ctx, r, asset.SizeBytes, asset.MIME, categoryFor(asset.MIME))
	if err != nil {
		return "", key, err
	}
	return mediaID, key, nil
}

// acquire resolves a media reference to a local file path. URLs are
// downloaded; anything else is treated as a path on disk.
func (d *Dispatcher) acquire(ctx context.Context, ref string) (path string, temporary bool, err error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		p, err := media.Fetch(ctx, d.client, ref, d.downloadDir, d.maxMediaBytes)
		if err != nil {
			return "", false, err
		}
		return p, true, nil
	}
	if _, err := os.Stat(ref); err != nil {
		return "", false, fmt.Errorf("media file %s: %w", ref, err)
	}
	return ref, false, nil
}

func categoryFor(mime string) string {
	if strings.HasPrefix(mime, "video/") {
		return "tweet_video"
	}
	return "tweet_image"
}

// recordFailure classifies an item-level error into the durable outcome:
// held for reconciliation, retired, or left pending for another cycle.
func (d *Dispatcher) recordFailure(ctx context.Context, it source.Item, err error) {
	// Shutdown mid-item: leave the item pending, a fresh attempt starts
	// from scratch next run.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		slog.Info("item interrupted by shutdown", "id", it.ID)
		return
	}

	if errors.Is(err, poster.ErrAmbiguousOutcome) || errors.Is(err, upload.ErrAmbiguousInit) {
		d.health.SetUnhealthy("publish", err)
		slog.Error("item held for reconciliation", "id", it.ID, "error", err)
		if holdErr := d.src.Hold(ctx, it.ID, err.Error()); holdErr != nil {
			slog.Error("failed to hold item", "id", it.ID, "error", holdErr)
		}
		return
	}

	if fatalError(err) {
		slog.Error("item failed permanently", "id", it.ID, "error", err)
		if failErr := d.src.MarkFailed(ctx, it.ID, err.Error()); failErr != nil {
			slog.Error("failed to mark item failed", "id", it.ID, "error", failErr)
		}
		return
	}

	// Transient residue after per-call retries: the item stays eligible
	// until the attempt budget runs out.
	attempts := it.AttemptCount + 1
	if attempts >= d.maxAttempts {
		slog.Error("item exhausted attempt budget", "id", it.ID, "attempts", attempts, "error", err)
		if failErr := d.src.MarkFailed(ctx, it.ID, fmt.Sprintf("gave up after %d attempts: %v", attempts, err)); failErr != nil {
			slog.Error("failed to mark item failed", "id", it.ID, "error", failErr)
		}
		return
	}

	d.health.SetUnhealthy("publish", err)
	slog.Warn("item attempt failed, will retry next cycle", "id", it.ID, "attempt", attempts, "error", err)
	if recErr := d.src.RecordAttempt(ctx, it.ID, err.Error()); recErr != nil {
		slog.Error("failed to record attempt", "id", it.ID, "error", recErr)
	}
}

// fatalError reports errors that retire the item: validation violations,
// rejected INIT, failed platform-side processing and exhausted chunk
// retries.
func fatalError(err error) bool {
	var ve *media.ValidationError
	var ie *upload.InitError
	var pe *upload.ProcessingError
	var ae *upload.AppendError
	return errors.As(err, &ve) || errors.As(err, &ie) || errors.As(err, &pe) || errors.As(err, &ae)
}

// Health returns the health tracker.
func (d *Dispatcher) Health() *Health {
	return d.health
}
