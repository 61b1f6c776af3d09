package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"mercury-mailer/services/mailer/email"
	"mercury-mailer/services/mailer/models"
	"mercury-mailer/services/mailer/usecase"
	"mercury-mailer/shared/logger"
)

var (
	// ErrBatchRunning is returned when a batch is started while one is in flight
	ErrBatchRunning = errors.New("a batch is already running")
	// ErrNoBatch is returned when cancelling with no batch in flight
	ErrNoBatch = errors.New("no batch is running")
)

// RunnerState is the lifecycle of the runner
type RunnerState string

const (
	StateIdle    RunnerState = "idle"
	StateRunning RunnerState = "running"
	StateDone    RunnerState = "done"
)

// BatchStatus is the poll-able view of the current or last batch run
type BatchStatus struct {
	State      RunnerState         `json:"state"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Result     *models.BatchResult `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// BatchRunner executes at most one batch send at a time on a background
// goroutine. The HTTP layer starts a run, then polls the recipient list and
// this runner's status; cancellation flips the run's context.
type BatchRunner struct {
	mu       sync.Mutex
	mailerUC usecase.MailerUsecase
	cancel   context.CancelFunc
	status   BatchStatus
	wg       sync.WaitGroup
}

// NewBatchRunner creates a new batch runner
func NewBatchRunner(mailerUC usecase.MailerUsecase) *BatchRunner {
	return &BatchRunner{
		mailerUC: mailerUC,
		status:   BatchStatus{State: StateIdle},
	}
}

// Start begins a batch run in the background. Configuration problems are
// reported synchronously so a bad server setup never reaches any recipient.
func (r *BatchRunner) Start(tmpl *models.Template, cfg email.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.State == StateRunning {
		return ErrBatchRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	now := time.Now()
	r.status = BatchStatus{
		State:     StateRunning,
		StartedAt: &now,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		result, err := r.mailerUC.SendBatch(ctx, tmpl, cfg)

		r.mu.Lock()
		defer r.mu.Unlock()

		finished := time.Now()
		r.status.State = StateDone
		r.status.FinishedAt = &finished
		r.status.Result = result
		if err != nil {
			r.status.Error = err.Error()
		}
		r.cancel = nil

		if err != nil {
			logger.WithError(err).Error("Batch run finished with error")
		}
	}()

	return nil
}

// Cancel stops the running batch between recipients. Recipients not yet
// reached stay pending.
func (r *BatchRunner) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.State != StateRunning || r.cancel == nil {
		return ErrNoBatch
	}

	r.cancel()
	logger.Info("Batch cancellation requested")
	return nil
}

// Status returns a snapshot of the runner state
func (r *BatchRunner) Status() BatchStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := r.status
	if status.Result != nil {
		resultCopy := *status.Result
		status.Result = &resultCopy
	}
	return status
}

// Shutdown cancels any running batch and waits for it to wind down. Used on
// service shutdown.
func (r *BatchRunner) Shutdown() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
}
