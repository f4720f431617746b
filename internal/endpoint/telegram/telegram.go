package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"wasender/internal/endpoint"
	rtsup "wasender/internal/runtime/supervisor"
	logx "wasender/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter implements endpoint.Endpoint over the Telegram Bot API.
//
// Telegram has no scan-to-pair step: the bot token authenticates directly,
// so Start emits authenticated/ready without a link-request event. Pairing
// oriented networks would emit EventLinkRequest with their scan payload.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- endpoint.Event)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	droppedEvents uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- endpoint.Event
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) emit(e endpoint.Event) {
	v := a.out.Load()
	out, _ := v.(chan<- endpoint.Event)
	if out == nil {
		return
	}
	select {
	case out <- e:
	default:
		atomic.AddUint64(&a.droppedEvents, 1)
		a.log.Warn("endpoint event dropped (channel full)", logx.String("kind", string(e.Kind)))
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- endpoint.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}

	timeout := a.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// NewBot performs getMe: this is the authentication step. A rejected
	// token is surfaced as an auth-failure event, not a hard error, so the
	// session coordinator decides whether to retry.
	b, err := tele.NewBot(tele.Settings{
		Token:  a.cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		a.runMu.Unlock()
		a.out.Store(out)
		a.emit(endpoint.Event{Kind: endpoint.EventAuthFailure, Reason: err.Error()})
		return nil
	}

	a.bot = b
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.endpoint"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	a.emit(endpoint.Event{Kind: endpoint.EventAuthenticated})

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop; when it returns the link to
	// the network is gone.
	sup.Go0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started", logx.String("bot", b.Me.Username))
		a.emit(endpoint.Event{Kind: endpoint.EventReady})
		b.Start() // blocks until Stop() is called
		a.log.Info("polling stopped")
		reason := "stopped"
		if c.Err() == nil {
			reason = "poller exited"
		}
		a.emit(endpoint.Event{Kind: endpoint.EventDisconnected, Reason: reason})
	})

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- endpoint.Event
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_events", atomic.LoadUint64(&a.droppedEvents)))

	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		// Don't hard-fail shutdown for the adapter; just report.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("endpoint stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("endpoint stop error", logx.Err(err))
	}
	return nil
}

// Logout invalidates the bot's webhook/poll session and disconnects.
// Telegram bot tokens cannot be un-paired remotely; the closest analog is
// dropping pending updates and stopping the poller.
func (a *Adapter) Logout(ctx context.Context) error {
	a.runMu.Lock()
	b := a.bot
	a.runMu.Unlock()
	if b != nil {
		_ = b.RemoveWebhook(true)
	}
	return a.Stop(ctx)
}

func (a *Adapter) Send(ctx context.Context, address, message string, att *endpoint.Attachment) error {
	a.runMu.Lock()
	b := a.bot
	running := a.running
	a.runMu.Unlock()
	if !running || b == nil {
		return errors.New("endpoint not connected")
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	to, err := recipientFor(address)
	if err != nil {
		return err
	}

	if att != nil && att.Path != "" {
		doc := &tele.Document{
			File:     tele.FromDisk(att.Path),
			FileName: att.FileName,
			MIME:     att.MimeType,
			Caption:  message,
		}
		_, err = b.Send(to, doc)
		return err
	}
	_, err = b.Send(to, message)
	return err
}

func (a *Adapter) IsReachable(ctx context.Context, address string) (bool, error) {
	a.runMu.Lock()
	b := a.bot
	running := a.running
	a.runMu.Unlock()
	if !running || b == nil {
		return false, errors.New("endpoint not connected")
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
	}
	if _, err := b.ChatByID(chatID(address)); err != nil {
		return false, nil
	}
	return true, nil
}

// recipientFor maps an opaque recipient address to a Telegram chat.
// Numeric addresses are chat IDs; anything else is treated as a username.
func recipientFor(address string) (tele.Recipient, error) {
	s := strings.TrimSpace(address)
	if s == "" {
		return nil, errors.New("empty recipient address")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &tele.Chat{ID: id}, nil
	}
	return &tele.Chat{Username: strings.TrimPrefix(s, "@")}, nil
}

func chatID(address string) int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	return id
}
