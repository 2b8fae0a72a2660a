package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiagoflino/capi/internal/apperr"
	"github.com/tiagoflino/capi/internal/logging"
)

// State is one of InferenceWorker's state machine states (spec §4.6).
type State int

const (
	StateInit State = iota
	StateLoading
	StateReady
	StateGenerating
	StateCancelling
	StateUnloading
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateGenerating:
		return "generating"
	case StateCancelling:
		return "cancelling"
	case StateUnloading:
		return "unloading"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Job is a GenerateJob (spec §3): a transient generation request carrying
// its own token sink and completion future.
type Job struct {
	ID        string
	SessionID string // empty: no chat-session scoping for this job
	Prompt    string
	Params    Params

	Tokens chan []byte
	Done   chan JobResult

	cancel     chan struct{}
	cancelOnce sync.Once
}

// JobResult is delivered on Job.Done exactly once.
type JobResult struct {
	Metrics PerfMetrics
	Err     error
}

// NewJob constructs a Job with a freshly allocated token sink and
// completion channel. sinkBuffer bounds the token sink (spec §4.6:
// "non-blocking publish ... bounded buffer").
func NewJob(id, sessionID, prompt string, params Params, sinkBuffer int) *Job {
	if sinkBuffer <= 0 {
		sinkBuffer = 64
	}
	return &Job{
		ID:        id,
		SessionID: sessionID,
		Prompt:    prompt,
		Params:    params,
		Tokens:    make(chan []byte, sinkBuffer),
		Done:      make(chan JobResult, 1),
		cancel:    make(chan struct{}),
	}
}

// Cancel signals the job; idempotent.
func (j *Job) Cancel() { j.cancelOnce.Do(func() { close(j.cancel) }) }

// Worker is the InferenceWorker: the single-threaded owner of one
// Pipeline that serializes generation through a single-consumer queue
// (spec §4.6).
type Worker struct {
	ModelID string
	Device  string

	backend  Backend
	pipeline Pipeline
	log      logging.Logger

	mu                 sync.Mutex
	state              State
	currentChatSession string
	active             *Job

	// lastActiveUnixNano is read/written via atomic ops only (manager's
	// idle-eviction sweep reads it without taking mu).
	lastActiveUnixNano int64

	queue chan *Job
	quit  chan struct{}
	wg    sync.WaitGroup
}

// NewWorker starts a worker goroutine bound to an already-opened pipeline.
// The caller (EngineManager) is responsible for admission and
// Backend.Open having already succeeded.
func NewWorker(modelID, device string, backend Backend, pipeline Pipeline, log logging.Logger) *Worker {
	w := &Worker{
		ModelID:  modelID,
		Device:   device,
		backend:  backend,
		pipeline: pipeline,
		log:      log,
		state:    StateReady,
		queue:    make(chan *Job, 32),
		quit:     make(chan struct{}),
	}
	w.lastActiveUnixNano = time.Now().UnixNano()
	w.wg.Add(1)
	go w.run()
	return w
}

// Tokenizer returns the tokenizer paired with this worker's pipeline, for
// ContextAssembler's budget accounting (spec §4.8/§9).
func (w *Worker) Tokenizer() Tokenizer {
	return w.backend.PipelineTokenizer(w.pipeline)
}

// Embed computes embeddings for inputs against this worker's pipeline. A
// worker serves both generation and embedding calls against the one
// pipeline its backend opened; PipelineKind only tells a real backend
// which internal graph to bind at Open time (spec §9 Open Question).
func (w *Worker) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return w.backend.Embed(ctx, w.pipeline, inputs)
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Submit enqueues job for execution. Multiple callers may submit
// concurrently; jobs are served FIFO by the single consumer goroutine.
func (w *Worker) Submit(job *Job) error {
	select {
	case w.queue <- job:
		return nil
	case <-w.quit:
		return fmt.Errorf("worker for model %s is terminated", w.ModelID)
	}
}

// Cancel signals the active job if its id matches. Returns false if no
// job with that id is currently running.
func (w *Worker) Cancel(jobID string) bool {
	w.mu.Lock()
	job := w.active
	w.mu.Unlock()
	if job == nil || job.ID != jobID {
		return false
	}
	job.Cancel()
	return true
}

// Unload finishes the current job if any, disposes the pipeline, and
// transitions to Terminated (spec §4.6).
func (w *Worker) Unload() error {
	close(w.quit)
	w.wg.Wait()

	w.mu.Lock()
	hadChat := w.currentChatSession != ""
	w.state = StateUnloading
	w.mu.Unlock()

	if hadChat {
		if err := w.backend.FinishChat(w.pipeline); err != nil {
			w.log.WithError(err).Warnf("worker %s: finish_chat during unload failed", w.ModelID)
		}
	}

	err := w.backend.Dispose(w.pipeline)
	w.setState(StateTerminated)
	if err != nil {
		return fmt.Errorf("disposing pipeline for %s: %w", w.ModelID, err)
	}
	return nil
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.queue:
			w.process(job)
		case <-w.quit:
			// Drain any already-queued jobs isn't required: new submissions
			// are rejected once quit is closed, and Unload only runs after
			// the caller knows no job is in flight via this loop.
			return
		}
	}
}

func (w *Worker) process(job *Job) {
	w.mu.Lock()
	w.active = job
	w.mu.Unlock()
	w.setState(StateGenerating)
	defer func() {
		w.mu.Lock()
		w.active = nil
		w.mu.Unlock()
		w.setState(StateReady)
		atomic.StoreInt64(&w.lastActiveUnixNano, time.Now().UnixNano())
	}()

	if err := w.ensureChatSession(job.SessionID); err != nil {
		close(job.Tokens)
		job.Done <- JobResult{Err: fmt.Errorf("chat session setup: %w", err)}
		return
	}

	var (
		cancelled bool
		stalled   bool
	)
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	onToken := func(tok []byte) TokenDecision {
		select {
		case <-job.cancel:
			cancelled = true
			return Stop
		default:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(stallTimeout)

		select {
		case job.Tokens <- tok:
			return Continue
		case <-timer.C:
			stalled = true
			return Stop
		case <-job.cancel:
			cancelled = true
			return Stop
		}
	}

	start := time.Now()
	metrics, genErr := w.backend.Generate(context.Background(), w.pipeline, job.Prompt, job.Params, onToken)
	close(job.Tokens)
	elapsed := time.Since(start)
	if metrics.GenerateDurationMs == 0 {
		metrics.GenerateDurationMs = elapsed.Milliseconds()
	}

	switch {
	case stalled:
		job.Done <- JobResult{Metrics: metrics, Err: &apperr.SinkStalled{}}
	case cancelled:
		job.Done <- JobResult{Metrics: metrics, Err: &apperr.Cancelled{}}
	case genErr != nil:
		job.Done <- JobResult{Metrics: metrics, Err: &apperr.GenerationFailed{Underlying: genErr}}
	default:
		job.Done <- JobResult{Metrics: metrics}
	}
}

// ensureChatSession pairs start_chat/finish_chat with session identity
// (spec §4.6, §9). A job with no SessionID bypasses chat-state handling
// entirely (plain completion/embedding use).
func (w *Worker) ensureChatSession(sessionID string) error {
	if sessionID == "" {
		return nil
	}

	w.mu.Lock()
	current := w.currentChatSession
	w.mu.Unlock()

	if current == sessionID {
		return nil
	}
	if current != "" {
		if err := w.backend.FinishChat(w.pipeline); err != nil {
			return fmt.Errorf("finishing chat session %s: %w", current, err)
		}
	}
	if err := w.backend.StartChat(w.pipeline, sessionID); err != nil {
		return fmt.Errorf("starting chat session %s: %w", sessionID, err)
	}

	w.mu.Lock()
	w.currentChatSession = sessionID
	w.mu.Unlock()
	return nil
}
