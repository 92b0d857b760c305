package crmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/crmsync_backend/appctx"
	"bitbucket.org/mmdatafocus/crmsync_backend/config"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

const syncRunLockKey = "lock:sync_run"

// Coordinator owns batch sync runs: creating the SyncRun row, paging through
// origin records, driving the synchronizers and keeping the counters. At most
// one run executes at a time per deployment; a local flag guards the instance
// and a best-effort redis lock guards the fleet.
type Coordinator struct {
	db       *gorm.DB
	engine   *Engine
	eventLog EventLog
	validate *validator.Validate
	logger   *logrus.Logger

	mu      sync.Mutex
	running bool
}

func NewCoordinator(db *gorm.DB, engine *Engine, eventLog EventLog, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		db:       db,
		engine:   engine,
		eventLog: eventLog,
		validate: validator.New(),
		logger:   logger,
	}
}

func (c *Coordinator) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	return true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Coordinator) normalize(opts *SyncOptions) error {
	if err := c.validate.Struct(opts); err != nil {
		return err
	}
	for _, kind := range opts.EntityKinds {
		if !kind.Valid() {
			return fmt.Errorf("unknown entity kind %q", kind)
		}
	}
	if opts.Direction == "" {
		opts.Direction = models.SyncDirectionBoth
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = config.IntFromEnv("SYNC_BATCH_SIZE", 100)
	}
	if len(opts.EntityKinds) == 0 {
		opts.EntityKinds = models.AllEntityKinds
	}
	return nil
}

// CreateRun validates the options and persists a queued SyncRun row.
func (c *Coordinator) CreateRun(ctx context.Context, opts SyncOptions, triggeredBy string, parentRunId *uint) (*models.SyncRun, error) {
	if err := c.normalize(&opts); err != nil {
		return nil, err
	}
	kindsJSON, err := json.Marshal(opts.EntityKinds)
	if err != nil {
		return nil, err
	}
	run := &models.SyncRun{
		Direction:   opts.Direction,
		Status:      models.SyncRunStatusQueued,
		TriggeredBy: triggeredBy,
		KindsJSON:   kindsJSON,
		BatchSize:   opts.BatchSize,
		ParentRunId: parentRunId,
	}
	if err := c.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// ExecuteRun runs a queued SyncRun to completion and returns it with final
// counters. Item-level failures are recorded and skipped over; a failed page
// fetch is a batch-level failure that aborts the run.
func (c *Coordinator) ExecuteRun(ctx context.Context, runId uint) (*models.SyncRun, error) {
	var run models.SyncRun
	if err := c.db.WithContext(ctx).First(&run, runId).Error; err != nil {
		return nil, err
	}
	if run.Status != models.SyncRunStatusQueued {
		return nil, fmt.Errorf("sync run %d is %s, not queued", runId, run.Status)
	}
	if !c.tryAcquire() {
		return nil, fmt.Errorf("another sync run is already executing")
	}
	defer c.release()

	// Fleet-wide exclusion, best effort: without redis we still have the
	// per-instance flag.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, syncRunLockKey, 30*time.Minute, nil)
		if err == redislock.ErrNotObtained {
			return nil, fmt.Errorf("another sync run holds the fleet lock")
		}
		if err == nil {
			defer lock.Release(context.Background())
		}
	}

	started := time.Now()
	run.Status = models.SyncRunStatusRunning
	run.StartedAt = &started
	if err := c.db.WithContext(ctx).Save(&run).Error; err != nil {
		return nil, err
	}
	ctx = appctx.SetSyncRunId(ctx, run.ID)

	var kinds []models.EntityKind
	if err := json.Unmarshal(run.KindsJSON, &kinds); err != nil || len(kinds) == 0 {
		kinds = models.AllEntityKinds
	}

	var batchErr error
	for _, origin := range originsFor(run.Direction) {
		for _, kind := range kinds {
			if batchErr = c.runBatch(ctx, &run, origin, kind); batchErr != nil {
				break
			}
		}
		if batchErr != nil {
			break
		}
	}

	finished := time.Now()
	run.FinishedAt = &finished
	run.DurationMs = finished.Sub(started).Milliseconds()
	switch {
	case batchErr != nil:
		run.Status = models.SyncRunStatusFailed
	case run.Errored > 0 && run.Success == 0:
		run.Status = models.SyncRunStatusFailed
	case run.Errored > 0:
		run.Status = models.SyncRunStatusPartial
	default:
		run.Status = models.SyncRunStatusSuccess
	}
	if err := c.db.WithContext(ctx).Save(&run).Error; err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"runId":     run.ID,
		"status":    run.Status,
		"processed": run.Processed,
		"success":   run.Success,
		"error":     run.Errored,
		"skip":      run.Skipped,
	}).Info("sync run finished")
	return &run, batchErr
}

// originsFor expands the run direction into origin sides. a_to_b replays the
// CRM onto the rental system; both does one pass per side.
func originsFor(direction string) []Side {
	switch direction {
	case models.SyncDirectionAToB:
		return []Side{SideCRM}
	case models.SyncDirectionBToA:
		return []Side{SideRental}
	}
	return []Side{SideCRM, SideRental}
}

// runBatch pages through every origin record of one kind. OnUpdate is the
// entry point on purpose: it self-heals into a create when the record was
// never correlated, which makes the batch pass a full reconciliation.
func (c *Coordinator) runBatch(ctx context.Context, run *models.SyncRun, origin Side, kind models.EntityKind) error {
	syncer, ok := c.engine.Synchronizer(kind)
	if !ok {
		return nil
	}
	client := c.engine.client(origin)
	cursor := ""
	for {
		page, next, err := client.List(ctx, objectType(origin, kind), run.BatchSize, cursor)
		if err != nil {
			c.eventLog.RecordError(ctx, &models.SyncError{
				SyncRunId: run.ID,
				Kind:      kind,
				ErrorType: models.ErrorTypeAPI,
				Severity:  models.SeverityCritical,
				Message:   fmt.Sprintf("listing %s %s records: %v", origin, kind, err),
			})
			config.LogError(c.logger, "crmsync", "runBatch", "page fetch failed", map[string]interface{}{
				"runId":  run.ID,
				"origin": string(origin),
				"kind":   string(kind),
			}, err)
			return err
		}

		run.Total += len(page)
		for _, record := range page {
			originId := record.String("id")
			if originId == "" {
				continue
			}
			outcome, err := syncer.OnUpdate(ctx, origin, originId)
			run.Processed++
			item := itemLogFor(run.ID, origin, kind, originId, outcome, err)
			c.eventLog.RecordItem(ctx, item)
			switch {
			case err != nil:
				run.Errored++
				c.eventLog.RecordError(ctx, syncErrorFor(run.ID, origin, kind, originId, err))
			case outcome.Action == models.SyncActionSkip:
				run.Skipped++
			default:
				run.Success++
			}
		}

		// Checkpoint counters so the status endpoint shows progress.
		if err := c.db.WithContext(ctx).Save(run).Error; err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// RunFullSync creates and immediately executes a run over the given options.
func (c *Coordinator) RunFullSync(ctx context.Context, opts SyncOptions, triggeredBy string) (*models.SyncRun, error) {
	run, err := c.CreateRun(ctx, opts, triggeredBy, nil)
	if err != nil {
		return nil, err
	}
	return c.ExecuteRun(ctx, run.ID)
}

// RunSingleTypeSync restricts a full sync to one entity kind.
func (c *Coordinator) RunSingleTypeSync(ctx context.Context, kind models.EntityKind, opts SyncOptions, triggeredBy string) (*models.SyncRun, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	opts.EntityKinds = []models.EntityKind{kind}
	return c.RunFullSync(ctx, opts, triggeredBy)
}

// SyncSingle replays exactly one record, outside any run.
func (c *Coordinator) SyncSingle(ctx context.Context, req SingleSyncRequest) (Outcome, error) {
	if err := c.validate.Struct(&req); err != nil {
		return Outcome{}, err
	}
	if !req.Kind.Valid() {
		return Outcome{}, fmt.Errorf("unknown entity kind %q", req.Kind)
	}
	if !req.Side.Valid() {
		return Outcome{}, fmt.Errorf("unknown side %q", req.Side)
	}
	syncer, _ := c.engine.Synchronizer(req.Kind)
	outcome, err := syncer.OnUpdate(ctx, req.Side, req.Id)
	item := itemLogFor(0, req.Side, req.Kind, req.Id, outcome, err)
	c.eventLog.RecordItem(ctx, item)
	if err != nil {
		c.eventLog.RecordError(ctx, syncErrorFor(0, req.Side, req.Kind, req.Id, err))
	}
	return outcome, err
}

// RetryRun queues a fresh run with the failed run's options, linked through
// parent_run_id.
func (c *Coordinator) RetryRun(ctx context.Context, runId uint) (*models.SyncRun, error) {
	var parent models.SyncRun
	if err := c.db.WithContext(ctx).First(&parent, runId).Error; err != nil {
		return nil, err
	}
	if parent.Status != models.SyncRunStatusFailed && parent.Status != models.SyncRunStatusPartial {
		return nil, fmt.Errorf("sync run %d is %s; only failed or partial runs can be retried", runId, parent.Status)
	}
	var kinds []models.EntityKind
	_ = json.Unmarshal(parent.KindsJSON, &kinds)
	opts := SyncOptions{
		Direction:   parent.Direction,
		BatchSize:   parent.BatchSize,
		EntityKinds: kinds,
	}
	return c.CreateRun(ctx, opts, models.SyncTriggeredRetry, &parent.ID)
}
