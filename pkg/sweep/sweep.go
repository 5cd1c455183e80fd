// Package sweep runs whole-account workflows: purging a user's messages from
// every reachable conversation and reporting where tracked users are present.
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/executor"
	"github.com/tgguard/tgguard/pkg/expiry"
	"github.com/tgguard/tgguard/pkg/journal"
	"github.com/tgguard/tgguard/pkg/locator"
	"github.com/tgguard/tgguard/pkg/logger"
	"github.com/tgguard/tgguard/pkg/metrics"
)

// Recorder receives a summary of every finished workflow.
type Recorder interface {
	Add(r journal.Record) error
}

type Options struct {
	// StatusChat receives summaries and reports.
	StatusChat chat.Conversation
	// ExpiryDelay is how long non-alert status messages live.
	ExpiryDelay time.Duration
	AlertPrefix string
	// ExpireStatus disables self-expiry of status messages when false.
	ExpireStatus bool
}

type Orchestrator struct {
	gw      chat.Gateway
	loc     *locator.Locator
	exec    *executor.Executor
	sched   *expiry.Scheduler
	journal Recorder
	opts    Options

	mu      sync.Mutex
	running map[string]bool
}

func New(gw chat.Gateway, exec *executor.Executor, sched *expiry.Scheduler, rec Recorder, opts Options) *Orchestrator {
	if opts.ExpiryDelay <= 0 {
		opts.ExpiryDelay = expiry.DefaultDelay
	}
	if opts.AlertPrefix == "" {
		opts.AlertPrefix = chat.DefaultAlertPrefix
	}
	return &Orchestrator{
		gw:      gw,
		loc:     locator.New(gw),
		exec:    exec,
		sched:   sched,
		journal: rec,
		opts:    opts,
		running: make(map[string]bool),
	}
}

func (o *Orchestrator) Executor() *executor.Executor {
	return o.exec
}

func (o *Orchestrator) Options() Options {
	return o.opts
}

// ScheduleExpiry queues msg for deletion after delay unless exempt says
// otherwise when the delay has passed.
func (o *Orchestrator) ScheduleExpiry(conv chat.Conversation, msg chat.MessageRef, delay time.Duration, exempt expiry.Predicate) *expiry.Task {
	return o.sched.Schedule(conv, msg, delay, exempt)
}

// Notify posts text to the status chat. Unless keep is set the message is
// scheduled to expire; alert-prefixed or pinned messages survive expiry.
func (o *Orchestrator) Notify(ctx context.Context, text string, keep bool) (chat.MessageRef, error) {
	msg, err := o.send(ctx, text)
	if err != nil {
		logger.WarnCF("sweep", "Failed to post status message", map[string]interface{}{
			"chat":  o.opts.StatusChat.ID,
			"error": err.Error(),
		})
		return chat.MessageRef{}, err
	}
	if !keep && o.opts.ExpireStatus {
		o.ScheduleExpiry(o.opts.StatusChat, msg, o.opts.ExpiryDelay, expiry.PinnedOrAlert(o.opts.AlertPrefix))
	}
	return msg, nil
}

func (o *Orchestrator) send(ctx context.Context, text string) (chat.MessageRef, error) {
	gate := o.exec.Gate()
	for {
		if err := gate.Wait(ctx); err != nil {
			return chat.MessageRef{}, err
		}
		msg, err := o.gw.SendMessage(ctx, o.opts.StatusChat, text)
		d, throttled := chat.RetryAfter(err)
		if !throttled {
			return msg, err
		}
		gate.OnThrottled("status", d)
		metrics.Throttles.Inc()
	}
}

// Alert posts a permanent, alert-prefixed message.
func (o *Orchestrator) Alert(ctx context.Context, text string) error {
	_, err := o.Notify(ctx, o.opts.AlertPrefix+text, true)
	return err
}

// begin marks a workflow as running; a second run of the same key is refused
// until the first one ends.
func (o *Orchestrator) begin(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[key] {
		return false
	}
	o.running[key] = true
	return true
}

func (o *Orchestrator) end(key string) {
	o.mu.Lock()
	delete(o.running, key)
	o.mu.Unlock()
}

func (o *Orchestrator) Running(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[key]
}

func (o *Orchestrator) scannable(ctx context.Context) ([]chat.Conversation, error) {
	all, err := o.gw.EnumerateConversations(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if c.Kind.IsScannable() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (o *Orchestrator) record(r journal.Record) {
	metrics.SweepRuns.WithLabelValues(r.Kind).Inc()
	if o.journal == nil {
		return
	}
	if err := o.journal.Add(r); err != nil {
		logger.WarnCF("sweep", "Failed to write journal", map[string]interface{}{
			"run_id": r.RunID,
			"error":  err.Error(),
		})
	}
}

func (o *Orchestrator) skip(conv chat.Conversation, stage string, err error) {
	metrics.ConversationsSkipped.Inc()
	logger.WarnCF("sweep", "Skipping conversation", map[string]interface{}{
		"conversation": conv.ID,
		"title":        conv.Title,
		"stage":        stage,
		"class":        chat.ClassifyError(err).String(),
		"error":        err.Error(),
	})
}
