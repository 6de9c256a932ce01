package workers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/camden-git/attendancebackend/media"
	"github.com/camden-git/attendancebackend/models"
	"github.com/camden-git/attendancebackend/realtime"
	"github.com/camden-git/attendancebackend/repository"
)

var (
	ErrBatchInProgress = errors.New("an enrollment batch is already running")
	ErrPipelineStopped = errors.New("enrollment pipeline stopped")
)

const defaultQueueSize = 8

// ItemState is the position of one enrollment item in its lifecycle.
type ItemState string

const (
	ItemPending              ItemState = "PENDING"
	ItemDetecting            ItemState = "DETECTING"
	ItemExtracting           ItemState = "EXTRACTING"
	ItemAwaitingConfirmation ItemState = "AWAITING_CONFIRMATION"
	ItemSaved                ItemState = "SAVED"
	ItemUpdated              ItemState = "UPDATED"
	ItemSkipped              ItemState = "SKIPPED"
	ItemFailed               ItemState = "FAILED"
)

// Terminal reports whether no further transition follows s.
func (s ItemState) Terminal() bool {
	switch s {
	case ItemSaved, ItemUpdated, ItemSkipped, ItemFailed:
		return true
	}
	return false
}

// Failure reasons recorded on FAILED items.
const (
	ReasonQueueSaturated   = "queue_saturated"
	ReasonLoadFailed       = "load_failed"
	ReasonNoFace           = "no_face"
	ReasonDetectionFailed  = "detection_failed"
	ReasonExtractionFailed = "extraction_failed"
	ReasonStoreFailed      = "store_failed"
	ReasonCancelled        = "cancelled"
)

// ConflictDecision answers what to do when a student already has an embedding
// under the active model.
type ConflictDecision string

const (
	ConflictUpdate ConflictDecision = "UPDATE"
	ConflictSkip   ConflictDecision = "SKIP"
)

// ConflictFunc is called on the worker goroutine, one item at a time.
type ConflictFunc func(entry models.RosterEntry, existing models.FaceEmbedding) ConflictDecision

// AlwaysUpdate replaces the latest existing embedding.
func AlwaysUpdate(models.RosterEntry, models.FaceEmbedding) ConflictDecision { return ConflictUpdate }

// AlwaysSkip keeps the existing embedding.
func AlwaysSkip(models.RosterEntry, models.FaceEmbedding) ConflictDecision { return ConflictSkip }

// ParseConflictPolicy maps "update" or "skip" to a ConflictFunc.
func ParseConflictPolicy(policy string) (ConflictFunc, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "update":
		return AlwaysUpdate, nil
	case "skip", "":
		return AlwaysSkip, nil
	}
	return nil, fmt.Errorf("unknown conflict policy %q (want update or skip)", policy)
}

// WithOverrides answers from overrides for the listed students and falls back to base.
func WithOverrides(base ConflictFunc, overrides map[uint]ConflictDecision) ConflictFunc {
	if len(overrides) == 0 {
		return base
	}
	return func(entry models.RosterEntry, existing models.FaceEmbedding) ConflictDecision {
		if d, ok := overrides[entry.StudentID]; ok {
			return d
		}
		return base(entry, existing)
	}
}

// FaceEmbedder is the detection and extraction surface the worker needs.
// services.RecognitionService implements it.
type FaceEmbedder interface {
	Detect(ctx context.Context, img image.Image) ([]media.DetectedFace, error)
	Embed(ctx context.Context, img image.Image, face media.DetectedFace) (float32, []float32, error)
	ModelVersion() string
}

// ImageLoader opens a roster reference photo. media.ReferenceStore implements it.
type ImageLoader interface {
	Load(path string) (image.Image, error)
}

// ImageLoaderFunc adapts a plain function such as media.LoadImage.
type ImageLoaderFunc func(path string) (image.Image, error)

func (f ImageLoaderFunc) Load(path string) (image.Image, error) { return f(path) }

// PoolInvalidator drops cached candidate pools after a write.
type PoolInvalidator interface {
	Invalidate()
}

// PipelineObserver receives pipeline metrics. metrics.EngineMetrics implements it.
type PipelineObserver interface {
	ObserveEnrollItem(state string)
	IncEnqueueDropped()
	AddQueueDiscarded(n int)
	SetQueueDepth(n int)
	BatchStarted() func()
}

type nopObserver struct{}

func (nopObserver) ObserveEnrollItem(string) {}
func (nopObserver) IncEnqueueDropped()       {}
func (nopObserver) AddQueueDiscarded(int)    {}
func (nopObserver) SetQueueDepth(int)        {}
func (nopObserver) BatchStarted() func()     { return func() {} }

// EnrollJob is one student waiting for the worker.
type EnrollJob struct {
	BatchID    string
	Seq        int
	Entry      models.RosterEntry
	OnConflict ConflictFunc

	report    chan<- ItemOutcome
	cancelled *atomic.Bool
}

// NewEnrollJob builds a standalone job. A nil onConflict skips existing students.
func NewEnrollJob(entry models.RosterEntry, onConflict ConflictFunc) *EnrollJob {
	if onConflict == nil {
		onConflict = AlwaysSkip
	}
	return &EnrollJob{Entry: entry, OnConflict: onConflict}
}

// ItemOutcome is the final state of one job.
type ItemOutcome struct {
	Seq           int       `json:"seq"`
	StudentID     uint      `json:"student_id"`
	StudentNumber string    `json:"student_number"`
	Name          string    `json:"name"`
	State         ItemState `json:"state"`
	EmbeddingID   uint      `json:"embedding_id,omitempty"`
	Quality       float32   `json:"quality,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// EnqueueResult reports what admission did. Dropped is the job evicted to make room.
type EnqueueResult struct {
	Accepted bool
	Dropped  *EnrollJob
}

// BatchSummary is returned by EnrollBatch. Processed counts every item that
// reached a terminal state, so on a completed batch it equals the eligible roster size.
type BatchSummary struct {
	BatchID     string        `json:"batch_id"`
	GroupID     uint          `json:"group_id"`
	Total       int           `json:"total"`
	Processed   int           `json:"processed"`
	Saved       int           `json:"saved"`
	Updated     int           `json:"updated"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Dropped     int           `json:"dropped"`
	HadFailures bool          `json:"had_failures"`
	Items       []ItemOutcome `json:"items"`
}

func (s *BatchSummary) record(out ItemOutcome) {
	s.Processed++
	switch out.State {
	case ItemSaved:
		s.Saved++
	case ItemUpdated:
		s.Updated++
	case ItemSkipped:
		s.Skipped++
	case ItemFailed:
		s.Failed++
		if out.Reason == ReasonQueueSaturated {
			s.Dropped++
		}
	}
	s.HadFailures = s.Failed > 0
	s.Items = append(s.Items, out)
}

// BatchOption customizes one EnrollBatch call.
type BatchOption func(*batchOptions)

type batchOptions struct {
	progress func(done, total int, item ItemOutcome)
}

// WithProgress is called on the calling goroutine after each finished item.
func WithProgress(fn func(done, total int, item ItemOutcome)) BatchOption {
	return func(o *batchOptions) { o.progress = fn }
}

// PipelineDeps are the collaborators of an EnrollmentPipeline. Pools, Hub and
// Observer are optional.
type PipelineDeps struct {
	Roster   repository.RosterSource
	Store    repository.EmbeddingStore
	Faces    FaceEmbedder
	Images   ImageLoader
	Pools    PoolInvalidator
	Hub      realtime.Broadcaster
	Observer PipelineObserver
}

// EnrollmentPipeline owns one worker goroutine that turns reference photos into
// stored embeddings.
type EnrollmentPipeline struct {
	JobQueue chan *EnrollJob
	Wg       sync.WaitGroup
	StopChan chan struct{}

	deps PipelineDeps

	// admitMu makes discard-oldest a single step and orders admission against Stop
	admitMu     sync.Mutex
	space       chan struct{}
	exited      chan struct{}
	stopOnce    sync.Once
	batchActive atomic.Bool
}

// NewEnrollmentPipeline starts the worker.
func NewEnrollmentPipeline(deps PipelineDeps, queueSize int) *EnrollmentPipeline {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if deps.Hub == nil {
		deps.Hub = realtime.Discard
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	p := &EnrollmentPipeline{
		JobQueue: make(chan *EnrollJob, queueSize),
		StopChan: make(chan struct{}),
		deps:     deps,
		space:    make(chan struct{}, 1),
		exited:   make(chan struct{}),
	}
	p.Wg.Add(1)
	go p.worker()
	log.Printf("enrollment: started worker with queue size %d", queueSize)
	return p
}

func (p *EnrollmentPipeline) stopped() bool {
	select {
	case <-p.StopChan:
		return true
	default:
		return false
	}
}

// Enqueue admits job without blocking. When the queue is full the oldest
// queued job is evicted and returned in Dropped.
func (p *EnrollmentPipeline) Enqueue(job *EnrollJob) EnqueueResult {
	p.admitMu.Lock()
	defer p.admitMu.Unlock()

	if p.stopped() {
		return EnqueueResult{}
	}
	if job.OnConflict == nil {
		job.OnConflict = AlwaysSkip
	}

	var dropped *EnrollJob
	for {
		select {
		case p.JobQueue <- job:
			p.deps.Observer.SetQueueDepth(len(p.JobQueue))
			return EnqueueResult{Accepted: true, Dropped: dropped}
		default:
		}
		select {
		case old := <-p.JobQueue:
			if dropped == nil {
				dropped = old
			}
			p.drop(old)
		default:
		}
	}
}

// drop accounts for a job evicted by Enqueue.
func (p *EnrollmentPipeline) drop(job *EnrollJob) {
	log.Printf("enrollment: queue saturated, dropped student %d (%s)", job.Entry.StudentID, job.Entry.StudentNumber)
	p.deps.Observer.IncEnqueueDropped()
	p.deps.Hub.Broadcast(realtime.NewEvent(realtime.EventEnrollmentDropped, job.BatchID, string(ItemFailed), map[string]interface{}{
		"student_id":     job.Entry.StudentID,
		"student_number": job.Entry.StudentNumber,
	}))
	p.finish(job, ItemOutcome{State: ItemFailed, Reason: ReasonQueueSaturated})
}

// tryAdmit is the non-evicting admission used by batches.
func (p *EnrollmentPipeline) tryAdmit(job *EnrollJob) (admitted, stopped bool) {
	p.admitMu.Lock()
	defer p.admitMu.Unlock()
	if p.stopped() {
		return false, true
	}
	select {
	case p.JobQueue <- job:
		p.deps.Observer.SetQueueDepth(len(p.JobQueue))
		return true, false
	default:
		return false, false
	}
}

// EnrollBatch enrolls every student of groupID that has a reference photo and
// waits for all of them. Items are admitted in roster order as queue space frees up.
func (p *EnrollmentPipeline) EnrollBatch(ctx context.Context, groupID uint, onConflict ConflictFunc, opts ...BatchOption) (BatchSummary, error) {
	summary := BatchSummary{GroupID: groupID, Items: []ItemOutcome{}}
	if p.stopped() {
		return summary, ErrPipelineStopped
	}
	if !p.batchActive.CompareAndSwap(false, true) {
		return summary, ErrBatchInProgress
	}
	defer p.batchActive.Store(false)

	var o batchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if onConflict == nil {
		onConflict = AlwaysSkip
	}

	entries, err := p.deps.Roster.ListIdentities(groupID)
	if err != nil {
		return summary, fmt.Errorf("failed to load roster for group %d: %w", groupID, err)
	}

	summary.BatchID = uuid.NewString()
	report := make(chan ItemOutcome, len(entries))
	cancelled := &atomic.Bool{}
	var jobs []*EnrollJob
	for _, entry := range entries {
		if !entry.HasReferenceImage() {
			continue
		}
		jobs = append(jobs, &EnrollJob{
			BatchID:    summary.BatchID,
			Seq:        len(jobs),
			Entry:      entry,
			OnConflict: onConflict,
			report:     report,
			cancelled:  cancelled,
		})
	}
	summary.Total = len(jobs)

	finished := p.deps.Observer.BatchStarted()
	defer finished()
	start := time.Now()
	log.Printf("enrollment: batch %s started for group %d, %d of %d students have reference photos", summary.BatchID, groupID, len(jobs), len(entries))

	collect := func(out ItemOutcome) {
		summary.record(out)
		if o.progress != nil {
			o.progress(summary.Processed, summary.Total, out)
		}
	}

	next := 0
	admitting := true
	for summary.Processed < summary.Total {
		if admitting && next < len(jobs) {
			admitted, stopped := p.tryAdmit(jobs[next])
			if admitted {
				next++
				continue
			}
			if stopped {
				admitting = false
			}
		}

		var space <-chan struct{}
		if admitting && next < len(jobs) {
			space = p.space
		}
		select {
		case out := <-report:
			collect(out)
		case <-space:
		case <-ctx.Done():
			cancelled.Store(true)
			log.Printf("enrollment: batch %s cancelled after %d of %d items: %v", summary.BatchID, summary.Processed, summary.Total, ctx.Err())
			return p.complete(summary, start), ctx.Err()
		case <-p.exited:
			for drained := false; !drained; {
				select {
				case out := <-report:
					collect(out)
				default:
					drained = true
				}
			}
			log.Printf("enrollment: batch %s interrupted by shutdown after %d of %d items", summary.BatchID, summary.Processed, summary.Total)
			return p.complete(summary, start), ErrPipelineStopped
		}
	}

	return p.complete(summary, start), nil
}

func (p *EnrollmentPipeline) complete(summary BatchSummary, start time.Time) BatchSummary {
	sort.SliceStable(summary.Items, func(i, j int) bool { return summary.Items[i].Seq < summary.Items[j].Seq })
	log.Printf("enrollment: batch %s finished in %v: processed=%d saved=%d updated=%d skipped=%d failed=%d dropped=%d",
		summary.BatchID, time.Since(start).Round(time.Millisecond), summary.Processed, summary.Saved, summary.Updated, summary.Skipped, summary.Failed, summary.Dropped)
	p.deps.Hub.Broadcast(realtime.NewEvent(realtime.EventEnrollmentCompleted, summary.BatchID, "completed", map[string]interface{}{
		"group_id":     summary.GroupID,
		"total":        summary.Total,
		"processed":    summary.Processed,
		"saved":        summary.Saved,
		"updated":      summary.Updated,
		"skipped":      summary.Skipped,
		"failed":       summary.Failed,
		"dropped":      summary.Dropped,
		"requires_ack": summary.HadFailures,
	}))
	return summary
}

// BatchRunning reports whether an EnrollBatch call is in progress.
func (p *EnrollmentPipeline) BatchRunning() bool {
	return p.batchActive.Load()
}

// QueueDepth is the number of jobs waiting for the worker.
func (p *EnrollmentPipeline) QueueDepth() int {
	return len(p.JobQueue)
}

// Stop discards queued jobs, lets the in-flight job finish and waits for the
// worker. It is safe to call more than once.
func (p *EnrollmentPipeline) Stop() {
	p.stopOnce.Do(func() {
		p.admitMu.Lock()
		close(p.StopChan)
		p.admitMu.Unlock()
	})
	p.Wg.Wait()
}

func (p *EnrollmentPipeline) worker() {
	defer p.Wg.Done()
	defer close(p.exited)

	log.Println("enrollment: worker started")
	for {
		if p.stopped() {
			p.discardQueued(0)
			return
		}
		job, ok := p.dequeue()
		if !ok {
			return
		}
		p.process(job)
	}
}

// dequeue waits for the next job. A job taken after Stop is discarded with the
// rest of the queue and ok is false.
func (p *EnrollmentPipeline) dequeue() (job *EnrollJob, ok bool) {
	select {
	case job = <-p.JobQueue:
		if p.stopped() {
			p.discardQueued(1)
			return nil, false
		}
		p.deps.Observer.SetQueueDepth(len(p.JobQueue))
		select {
		case p.space <- struct{}{}:
		default:
		}
		return job, true
	case <-p.StopChan:
		p.discardQueued(0)
		return nil, false
	}
}

// discardQueued empties the queue. taken counts jobs already removed by the caller.
func (p *EnrollmentPipeline) discardQueued(taken int) {
	p.admitMu.Lock()
	defer p.admitMu.Unlock()
	n := taken
	for {
		select {
		case <-p.JobQueue:
			n++
			continue
		default:
		}
		break
	}
	p.deps.Observer.AddQueueDiscarded(n)
	p.deps.Observer.SetQueueDepth(0)
	log.Printf("enrollment: worker stopping, discarded %d queued item(s)", n)
}

func (p *EnrollmentPipeline) transition(job *EnrollJob, state ItemState) {
	p.deps.Hub.Broadcast(realtime.NewEvent(realtime.EventEnrollmentItem, job.BatchID, string(state), map[string]interface{}{
		"student_id":     job.Entry.StudentID,
		"student_number": job.Entry.StudentNumber,
		"seq":            job.Seq,
	}))
}

// finish publishes the terminal outcome of job exactly once.
func (p *EnrollmentPipeline) finish(job *EnrollJob, out ItemOutcome) {
	out.Seq = job.Seq
	out.StudentID = job.Entry.StudentID
	out.StudentNumber = job.Entry.StudentNumber
	out.Name = job.Entry.Name

	p.deps.Observer.ObserveEnrollItem(string(out.State))
	event := realtime.NewEvent(realtime.EventEnrollmentItem, job.BatchID, string(out.State), map[string]interface{}{
		"student_id":     out.StudentID,
		"student_number": out.StudentNumber,
		"seq":            out.Seq,
		"embedding_id":   out.EmbeddingID,
	})
	event.Error = out.Reason
	p.deps.Hub.Broadcast(event)
	if job.report != nil {
		job.report <- out
	}
}

func (p *EnrollmentPipeline) fail(job *EnrollJob, reason string, err error) {
	if err != nil {
		log.Printf("enrollment: student %d (%s) failed: %s: %v", job.Entry.StudentID, job.Entry.StudentNumber, reason, err)
		reason = reason + ": " + err.Error()
	} else {
		log.Printf("enrollment: student %d (%s) failed: %s", job.Entry.StudentID, job.Entry.StudentNumber, reason)
	}
	p.finish(job, ItemOutcome{State: ItemFailed, Reason: reason})
}

// process runs one job through detection, extraction and the store write.
// The in-flight job is never interrupted by Stop.
func (p *EnrollmentPipeline) process(job *EnrollJob) {
	if job.cancelled != nil && job.cancelled.Load() {
		p.fail(job, ReasonCancelled, nil)
		return
	}
	ctx := context.Background()
	entry := job.Entry
	p.transition(job, ItemPending)

	p.transition(job, ItemDetecting)
	img, err := p.deps.Images.Load(entry.ReferenceImagePath)
	if err != nil {
		p.fail(job, ReasonLoadFailed, err)
		return
	}
	faces, err := p.deps.Faces.Detect(ctx, img)
	if err != nil {
		p.fail(job, ReasonDetectionFailed, err)
		return
	}
	if len(faces) == 0 {
		p.fail(job, ReasonNoFace, nil)
		return
	}

	p.transition(job, ItemExtracting)
	quality, vec, err := p.deps.Faces.Embed(ctx, img, largestFace(faces))
	if err != nil {
		p.fail(job, ReasonExtractionFailed, err)
		return
	}

	modelVersion := p.deps.Faces.ModelVersion()
	existing, err := p.deps.Store.GetAll(entry.StudentID)
	if err != nil {
		p.fail(job, ReasonStoreFailed, err)
		return
	}
	var latest *models.FaceEmbedding
	for i := range existing {
		if existing[i].ModelVersion == modelVersion && (latest == nil || existing[i].ID > latest.ID) {
			latest = &existing[i]
		}
	}

	if latest == nil {
		id, err := p.deps.Store.Put(entry.StudentID, modelVersion, vec, quality)
		if err != nil {
			p.fail(job, ReasonStoreFailed, err)
			return
		}
		p.written()
		log.Printf("enrollment: saved %s embedding %d for student %d (%s), quality %.2f", modelVersion, id, entry.StudentID, entry.StudentNumber, quality)
		p.finish(job, ItemOutcome{State: ItemSaved, EmbeddingID: id, Quality: quality})
		return
	}

	p.transition(job, ItemAwaitingConfirmation)
	if job.OnConflict(entry, *latest) != ConflictUpdate {
		log.Printf("enrollment: kept existing embedding %d for student %d (%s)", latest.ID, entry.StudentID, entry.StudentNumber)
		p.finish(job, ItemOutcome{State: ItemSkipped, EmbeddingID: latest.ID})
		return
	}
	if err := p.deps.Store.Update(latest.ID, vec, quality); err != nil {
		p.fail(job, ReasonStoreFailed, err)
		return
	}
	p.written()
	log.Printf("enrollment: updated embedding %d for student %d (%s), quality %.2f", latest.ID, entry.StudentID, entry.StudentNumber, quality)
	p.finish(job, ItemOutcome{State: ItemUpdated, EmbeddingID: latest.ID, Quality: quality})
}

func (p *EnrollmentPipeline) written() {
	if p.deps.Pools != nil {
		p.deps.Pools.Invalidate()
	}
}

func largestFace(faces []media.DetectedFace) media.DetectedFace {
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Box.Area() > best.Box.Area() || (f.Box.Area() == best.Box.Area() && f.Confidence > best.Confidence) {
			best = f
		}
	}
	return best
}
