package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tgguard/tgguard/pkg/bus"
	"github.com/tgguard/tgguard/pkg/channels"
	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/config"
	"github.com/tgguard/tgguard/pkg/directory"
	"github.com/tgguard/tgguard/pkg/executor"
	"github.com/tgguard/tgguard/pkg/expiry"
	"github.com/tgguard/tgguard/pkg/index"
	"github.com/tgguard/tgguard/pkg/journal"
	"github.com/tgguard/tgguard/pkg/logger"
	"github.com/tgguard/tgguard/pkg/metrics"
	"github.com/tgguard/tgguard/pkg/sweep"
	"github.com/tgguard/tgguard/pkg/throttle"
)

// app is everything a command needs once the config is valid.
type app struct {
	cfg     *config.Config
	index   *index.Index
	bus     *bus.MessageBus
	gw      *channels.TelegramGateway
	exec    *executor.Executor
	sched   *expiry.Scheduler
	journal *journal.Store
	orch    *sweep.Orchestrator
}

func setupLogging(cfg *config.Config) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.File == "" {
		return
	}
	if err := logger.EnableFileLogging(config.ExpandHome(cfg.Logging.File), cfg.Logging.MaxSizeMB); err != nil {
		logger.WarnCF("main", "File logging disabled", map[string]interface{}{"error": err.Error()})
	}
}

func loadConfig(validate bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	setupLogging(cfg)
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config:\n%w", err)
		}
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	idx, err := index.Open(cfg.IndexPath())
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	mb := bus.NewMessageBus(256)
	gw, err := channels.NewTelegramGateway(cfg.Telegram, idx, mb)
	if err != nil {
		idx.Close()
		return nil, err
	}
	if _, err := gw.Identify(ctx); err != nil {
		idx.Close()
		return nil, err
	}

	gate := throttle.NewGate(throttle.WithPad(cfg.ThrottlePad()))
	exec := executor.New(gw, executor.Options{
		ChunkSize:  cfg.Engine.ChunkSize,
		BatchPause: cfg.BatchPause(),
		Gate:       gate,
	})
	sched := expiry.New(exec, gw, expiry.Options{})

	store, err := journal.NewStore(cfg.JournalPath())
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	status, err := gw.Conversation(ctx, cfg.Telegram.StatusChatID)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("status chat %d: %w", cfg.Telegram.StatusChatID, err)
	}
	if !status.Kind.IsScannable() {
		logger.WarnCF("main", "Status chat is a broadcast channel, status messages will not expire", map[string]interface{}{
			"chat_id": status.ID,
		})
	}

	orch := sweep.New(gw, exec, sched, store, sweep.Options{
		StatusChat:   status,
		ExpiryDelay:  cfg.ExpiryDelay(),
		AlertPrefix:  cfg.Engine.AlertPrefix,
		ExpireStatus: cfg.Features.DeleteStatusMessages,
	})

	return &app{
		cfg:     cfg,
		index:   idx,
		bus:     mb,
		gw:      gw,
		exec:    exec,
		sched:   sched,
		journal: store,
		orch:    orch,
	}, nil
}

// serveMetrics starts the metrics endpoint in the background when enabled.
func (a *app) serveMetrics(ctx context.Context) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, a.cfg.Metrics.Listen); err != nil {
			logger.ErrorCF("main", "Metrics server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// finish lets scheduled expiries run out (bounded by ctx) and releases
// everything newApp opened.
func (a *app) finish(ctx context.Context) {
	if err := a.sched.Drain(ctx); err != nil {
		logger.InfoCF("main", "Dropping pending expiries", map[string]interface{}{"pending": a.sched.Pending()})
	}
	a.sched.Shutdown()
	a.bus.Close()
	if err := a.index.Close(); err != nil {
		logger.WarnCF("main", "Failed to close index", map[string]interface{}{"error": err.Error()})
	}
}

// directoryFor parses and resolves a configured list. Malformed entries fail
// the command; unresolvable usernames are reported and skipped.
func (a *app) directoryFor(ctx context.Context, name string, raw []string) (chat.Directory, error) {
	handles, err := directory.ParseHandles(raw)
	if err != nil {
		return nil, fmt.Errorf("%s list: %w", name, err)
	}
	dir, missing := directory.Resolve(ctx, a.gw, handles)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, h := range missing {
			names = append(names, h.String())
		}
		logger.WarnCF("main", "Some users could not be resolved", map[string]interface{}{
			"list":  name,
			"users": strings.Join(names, ", "),
		})
	}
	return dir, nil
}

// findConversation accepts a chat id or a (case-insensitive) title.
func (a *app) findConversation(ctx context.Context, ref string) (chat.Conversation, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return chat.Conversation{}, errors.New("no group given and lists.export_group is empty")
	}
	if h, err := directory.ParseHandle(ref); err == nil && h.ID != 0 {
		return a.gw.Conversation(ctx, h.ID)
	}
	convs, err := a.gw.EnumerateConversations(ctx)
	if err != nil {
		return chat.Conversation{}, err
	}
	for _, c := range convs {
		if strings.EqualFold(c.Title, ref) {
			return c, nil
		}
	}
	return chat.Conversation{}, fmt.Errorf("no known chat titled %q", ref)
}
