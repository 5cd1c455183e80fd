// Package watch reacts to the live update stream according to the selected
// run mode.
package watch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tgguard/tgguard/pkg/bus"
	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/config"
	"github.com/tgguard/tgguard/pkg/expiry"
	"github.com/tgguard/tgguard/pkg/logger"
	"github.com/tgguard/tgguard/pkg/sweep"
)

// Plan is what a mode switches on.
type Plan struct {
	Scan       bool // presence scan at startup
	Purge      bool // purge the blacklist at startup
	Guard      bool // delete new and edited blacklisted messages
	JoinAlerts bool // alert when a tracked user joins a group
}

func PlanFor(mode string) (Plan, error) {
	switch mode {
	case config.ModeScan:
		return Plan{Scan: true, JoinAlerts: true}, nil
	case config.ModePurgeAll:
		return Plan{Purge: true, Guard: true}, nil
	case config.ModeNewOnly:
		return Plan{Guard: true}, nil
	case config.ModeCombined:
		return Plan{Scan: true, JoinAlerts: true, Purge: true, Guard: true}, nil
	}
	return Plan{}, fmt.Errorf("unknown mode %q", mode)
}

type Options struct {
	Mode   string
	SelfID int64
}

type Watcher struct {
	bus       *bus.MessageBus
	orch      *sweep.Orchestrator
	tracked   chat.Directory
	blacklist chat.Directory
	plan      Plan
	selfID    int64
	running   atomic.Bool
}

func New(mb *bus.MessageBus, orch *sweep.Orchestrator, tracked, blacklist chat.Directory, opts Options) (*Watcher, error) {
	plan, err := PlanFor(opts.Mode)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		bus:       mb,
		orch:      orch,
		tracked:   tracked,
		blacklist: blacklist,
		plan:      plan,
		selfID:    opts.SelfID,
	}, nil
}

func (w *Watcher) Plan() Plan {
	return w.plan
}

// Startup runs the one-off sweeps the mode asks for.
func (w *Watcher) Startup(ctx context.Context) {
	if w.plan.Scan {
		if len(w.tracked) == 0 {
			logger.WarnC("watch", "Tracked list is empty, nothing to scan")
		} else {
			w.orch.Scan(ctx, w.tracked, "startup")
		}
	}
	if w.plan.Purge {
		if len(w.blacklist) == 0 {
			logger.WarnC("watch", "Blacklist is empty, nothing to purge")
		} else {
			w.orch.PurgeAll(ctx, w.blacklist, "startup")
		}
	}
}

// Run consumes live events until ctx is done, Stop is called or the bus is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	w.running.Store(true)
	logger.InfoCF("watch", "Watching live updates", map[string]interface{}{
		"guard":       w.plan.Guard,
		"join_alerts": w.plan.JoinAlerts,
		"blacklist":   len(w.blacklist),
		"tracked":     len(w.tracked),
	})

	for w.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
			e, ok := w.bus.ConsumeEvent(ctx)
			if !ok {
				return nil
			}
			w.Handle(ctx, e)
		}
	}
	return nil
}

func (w *Watcher) Stop() {
	w.running.Store(false)
}

func (w *Watcher) Handle(ctx context.Context, e bus.Event) {
	switch e.Kind {
	case bus.NewMessage, bus.EditedMessage:
		if e.Conversation.ID == w.orch.Options().StatusChat.ID {
			w.expireStatus(e)
			return
		}
		w.guard(ctx, e)
	case bus.MemberJoined:
		w.alertJoin(ctx, e)
	}
}

func (w *Watcher) expireStatus(e bus.Event) {
	opts := w.orch.Options()
	if e.Kind != bus.NewMessage || !opts.ExpireStatus || e.User.ID == w.selfID {
		return
	}
	msg := chat.MessageRef{
		ID:             e.MessageID,
		ConversationID: e.Conversation.ID,
		SenderID:       e.User.ID,
		Text:           e.Text,
	}
	w.orch.ScheduleExpiry(e.Conversation, msg, opts.ExpiryDelay, expiry.PinnedOrAlert(opts.AlertPrefix))
}

func (w *Watcher) guard(ctx context.Context, e bus.Event) {
	if !w.plan.Guard || !e.Conversation.Kind.IsScannable() {
		return
	}
	if _, listed := w.blacklist[e.User.ID]; !listed {
		return
	}
	if err := w.orch.Executor().DeleteOne(ctx, e.Conversation, e.MessageID); err != nil {
		logger.ErrorCF("watch", "Failed to delete blacklisted message", map[string]interface{}{
			"conversation": e.Conversation.ID,
			"message":      e.MessageID,
			"error":        err.Error(),
		})
		return
	}
	logger.InfoCF("watch", "Deleted message from blacklisted user", map[string]interface{}{
		"user":         nameOf(w.blacklist, e.User),
		"conversation": e.Conversation.Title,
		"kind":         e.Kind.String(),
	})
}

func (w *Watcher) alertJoin(ctx context.Context, e bus.Event) {
	if !w.plan.JoinAlerts || !e.Conversation.Kind.IsGroup() {
		return
	}
	if _, listed := w.tracked[e.User.ID]; !listed {
		return
	}
	text := fmt.Sprintf("Tracked user detected!\n\nWho: %s\nWhere: «%s»", nameOf(w.tracked, e.User), e.Conversation.Title)
	if err := w.orch.Alert(ctx, text); err != nil {
		logger.ErrorCF("watch", "Failed to send join alert", map[string]interface{}{
			"user":  e.User.ID,
			"error": err.Error(),
		})
	}
}

func nameOf(d chat.Directory, u chat.User) string {
	if name := d.Name(u.ID); name != "" {
		return name
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return fmt.Sprintf("%d", u.ID)
}
