package dispatch

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wasender/internal/endpoint"
	"wasender/internal/eventbus"
	"wasender/internal/runtime/supervisor"
	"wasender/internal/session"
	"wasender/internal/store"
	logx "wasender/pkg/logx"
)

// sessionReader is the slice of the session coordinator the engine needs.
type sessionReader interface {
	State() session.Snapshot
}

// Engine executes dispatch jobs one at a time.
type Engine struct {
	cfg     Config
	ep      endpoint.Endpoint
	session sessionReader
	store   store.Store
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	started bool
	running bool
	status  Status
	sup     *supervisor.Supervisor
}

func NewEngine(cfg Config, ep endpoint.Endpoint, sess sessionReader, st store.Store, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		ep:      ep,
		session: sess,
		store:   st,
		bus:     bus,
		log:     log.With(logx.String("component", "dispatch")),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.started = true
	e.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(e.log))
	return nil
}

// Stop waits for an in-flight job to wind down. Callers have no cancel
// operation, but process shutdown cancels the run context, which aborts
// the job at its next pacing wait or send. Outcomes are persisted before
// each advance, so an interrupted job leaves no un-logged send.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	sup := e.sup
	e.mu.Unlock()
	return sup.Wait(ctx)
}

// Apply swaps the engine tuning. Takes effect from the next job; the
// running job keeps the settings it started with.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

// Status returns the current engine snapshot. Pure read.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Submit validates and accepts a job for asynchronous execution. Exactly
// one job runs at a time; a second submission returns ErrBusy and leaves
// the running job untouched.
func (e *Engine) Submit(job Job) error {
	if len(job.Recipients) == 0 {
		return ErrNoRecipients
	}
	if strings.TrimSpace(job.MessageTemplate) == "" {
		return ErrEmptyMessage
	}
	if e.session.State().State != session.StateReady {
		return ErrSessionNotReady
	}

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.running {
		e.mu.Unlock()
		return ErrBusy
	}
	e.running = true
	e.status = Status{Running: true, JobID: job.ID, Total: len(job.Recipients)}
	cfg := e.cfg
	e.mu.Unlock()

	e.log.Info("dispatch job accepted",
		logx.String("job_id", job.ID),
		logx.Int("recipients", len(job.Recipients)))
	e.sup.Go0("dispatch.job."+job.ID, func(ctx context.Context) {
		e.run(ctx, cfg, job)
	})
	return nil
}

func (e *Engine) run(ctx context.Context, cfg Config, job Job) {
	defer e.finish(job)

	pacing := cfg.Pacing
	if job.Pacing > pacing {
		pacing = job.Pacing
	}
	var limiter *rate.Limiter
	if pacing > 0 {
		// One token up front so the first send goes out immediately and
		// every later send waits out the pacing interval.
		limiter = rate.NewLimiter(rate.Every(pacing), 1)
	}

	total := len(job.Recipients)
	var sent, failed int
	for i, rcpt := range job.Recipients {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				e.log.Warn("dispatch interrupted", logx.String("job_id", job.ID), logx.Err(err))
				return
			}
		}

		message := personalize(job.MessageTemplate, rcpt.DisplayName, cfg.FallbackName)
		status, sendErr := e.deliver(ctx, cfg, rcpt.Address, message, job.Attachment)
		if status == store.OutcomeSent {
			sent++
		} else {
			failed++
		}

		// The outcome is durable before the loop advances, so a crash
		// mid-job never leaves a delivered message unlogged.
		e.persistOutcome(ctx, cfg, job, rcpt.Address, message, status, sendErr)

		progress := Progress{
			JobID:     job.ID,
			Current:   i + 1,
			Total:     total,
			Sent:      sent,
			Failed:    failed,
			Recipient: rcpt.Address,
			Status:    status,
		}
		if sendErr != "" {
			progress.Error = sendErr
		}
		e.setStatus(progress)
		e.publish(eventbus.TopicDispatchProgress, progress)
	}
}

// deliver returns the outcome status and, for failures, the reason verbatim.
func (e *Engine) deliver(ctx context.Context, cfg Config, address, message string, att *endpoint.Attachment) (string, string) {
	if cfg.CheckReachable {
		ok, err := e.ep.IsReachable(ctx, address)
		if err == nil && !ok {
			return store.OutcomeFailed, "NotReachable"
		}
		// A probe error is not a verdict; attempt delivery anyway.
	}
	if err := e.ep.Send(ctx, address, message, att); err != nil {
		return store.OutcomeFailed, err.Error()
	}
	return store.OutcomeSent, ""
}

func (e *Engine) persistOutcome(ctx context.Context, cfg Config, job Job, recipient, message, status, sendErr string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.OutcomeTimeout)
	defer cancel()
	err := e.store.AppendOutcome(writeCtx, store.Outcome{
		JobID:           job.ID,
		Recipient:       recipient,
		TemplateID:      job.TemplateID,
		ResolvedMessage: message,
		Status:          status,
		Error:           sendErr,
		Timestamp:       time.Now(),
	})
	if err != nil {
		e.log.Error("dispatch outcome not persisted",
			logx.String("job_id", job.ID),
			logx.String("recipient", recipient),
			logx.Err(err))
	}
}

func (e *Engine) finish(job Job) {
	e.mu.Lock()
	st := e.status
	e.running = false
	e.status.Running = false
	e.mu.Unlock()

	if job.Attachment != nil && job.RemoveAttachment {
		if err := os.Remove(job.Attachment.Path); err != nil && !os.IsNotExist(err) {
			e.log.Warn("attachment not removed",
				logx.String("path", job.Attachment.Path),
				logx.Err(err))
		}
	}

	done := Completion{JobID: job.ID, Total: st.Total, Sent: st.Sent, Failed: st.Failed}
	e.log.Info("dispatch job finished",
		logx.String("job_id", job.ID),
		logx.Int("total", done.Total),
		logx.Int("sent", done.Sent),
		logx.Int("failed", done.Failed))
	e.publish(eventbus.TopicDispatchComplete, done)
}

func (e *Engine) setStatus(p Progress) {
	e.mu.Lock()
	e.status = Status{
		Running: true,
		JobID:   p.JobID,
		Current: p.Current,
		Total:   p.Total,
		Sent:    p.Sent,
		Failed:  p.Failed,
	}
	e.mu.Unlock()
}

func (e *Engine) publish(topic string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Topic: topic, Data: data})
}

// personalize substitutes the {name} placeholder with the recipient's
// display name, or the fallback when absent.
func personalize(template, displayName, fallback string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = fallback
	}
	return strings.ReplaceAll(template, "{name}", name)
}
