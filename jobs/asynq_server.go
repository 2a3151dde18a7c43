package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/sitestock/sitestock/internal/materials"
	"github.com/sitestock/sitestock/internal/platform/httpx"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Enqueuer is the subset of *asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client submits jobs to the queue. It also receives stock change events from
// the materials service and turns them into refresh tasks.
type Client struct {
	client Enqueuer
}

var _ materials.IntegrationHandler = (*Client)(nil)

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	return &Client{client: asynq.NewClient(redisOpts)}, nil
}

// NewClientWithEnqueuer wraps an existing enqueuer.
func NewClientWithEnqueuer(enqueuer Enqueuer) *Client {
	return &Client{client: enqueuer}
}

// EnqueueStockRefresh enqueues a stock refresh task.
func (c *Client) EnqueueStockRefresh(ctx context.Context, payload StockRefreshPayload) (*asynq.TaskInfo, error) {
	task, err := NewStockRefreshTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.TaskID(uuid.NewString()))
}

// EnqueueLedgerReconcile enqueues an immediate ledger reconcile.
func (c *Client) EnqueueLedgerReconcile(ctx context.Context, at time.Time) (*asynq.TaskInfo, error) {
	task, err := NewLedgerReconcileTask(at)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.TaskID(uuid.NewString()))
}

// HandleStockChanged schedules a refresh of the keys a write touched.
func (c *Client) HandleStockChanged(ctx context.Context, evt materials.StockChangedEvent) error {
	if len(evt.Keys) == 0 {
		return nil
	}
	_, err := c.EnqueueStockRefresh(ctx, StockRefreshPayload{
		TransactionID: evt.TransactionID,
		Reason:        evt.Reason,
		Keys:          evt.Keys,
	})
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// QueueInspector is the subset of *asynq.Inspector used by Handler.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector QueueInspector
	client    *Client
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler constructs an HTTP handler for jobs endpoints. client may be nil,
// in which case manual reconcile requests are refused.
func NewHandler(inspector QueueInspector, client *Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, client: client, logger: logger, now: time.Now}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.Post("/reconcile", h.reconcile)
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
	Active  int    `json:"active"`
	Retry   int    `json:"retry"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	body := queueHealth{Queue: QueueDefault}
	if h.inspector != nil {
		info, err := h.inspector.GetQueueInfo(QueueDefault)
		if err != nil {
			h.logger.Warn("jobs health", slog.Any("error", err))
			queueUnavailable(w, "queue inspector unreachable")
			return
		}
		if info != nil {
			body = queueHealth{Queue: info.Queue, Pending: info.Pending, Active: info.Active, Retry: info.Retry}
		}
	}
	httpx.JSON(w, http.StatusOK, body)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		queueUnavailable(w, "job client not configured")
		return
	}
	info, err := h.client.EnqueueLedgerReconcile(r.Context(), h.now().UTC())
	if err != nil {
		h.logger.Error("enqueue ledger reconcile", slog.Any("error", err))
		queueUnavailable(w, "enqueue ledger reconcile failed")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}

func queueUnavailable(w http.ResponseWriter, detail string) {
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Title:  "Service Unavailable",
		Status: http.StatusServiceUnavailable,
		Detail: detail,
		Meta:   map[string]any{"kind": "queue_unavailable"},
	})
}
