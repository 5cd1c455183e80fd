package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/tgguard/tgguard/pkg/config"
	"github.com/tgguard/tgguard/pkg/console"
	"github.com/tgguard/tgguard/pkg/cron"
	"github.com/tgguard/tgguard/pkg/directory"
	"github.com/tgguard/tgguard/pkg/journal"
	"github.com/tgguard/tgguard/pkg/logger"
	"github.com/tgguard/tgguard/pkg/watch"
)

var version = "dev"

var flagConfig string

// expiryGrace bounds how long one-shot commands wait for their status
// messages to expire before exiting.
const expiryGrace = time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:   "tgguard",
		Short: "Telegram blacklist purge and presence scanner",
		Long: `tgguard deletes messages from blacklisted users across every chat the bot
can reach, reports where tracked users are present, and keeps its own status
chat tidy.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "~/.tgguard/config.json", "config file path")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(selfPurgeCmd())
	rootCmd.AddCommand(exportMembersCmd())
	rootCmd.AddCommand(listsCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(logsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// oneShot wires the app, runs fn and waits briefly for expiring status
// messages.
func oneShot(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	a.serveMetrics(ctx)

	runErr := fn(ctx, a)

	graceCtx, cancel := context.WithTimeout(ctx, expiryGrace)
	defer cancel()
	a.finish(graceCtx)
	return runErr
}

func runCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a mode and watch live updates until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if mode == "" {
				mode = cfg.Mode
				if readline.IsTerminal(int(os.Stdin.Fd())) {
					if mode, err = chooseMode(cfg.Mode); err != nil {
						return err
					}
				}
			}
			return runMode(cfg, mode)
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "scan, purge_all, new_only or combined")
	return cmd
}

func chooseMode(def string) (string, error) {
	c, err := console.New(filepath.Join(filepath.Dir(config.ExpandHome(flagConfig)), "history"))
	if err != nil {
		return "", err
	}
	defer c.Close()
	return c.ChooseMode(def)
}

func runMode(cfg *config.Config, mode string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.finish(ctx)

	tracked, err := a.directoryFor(ctx, "tracked", cfg.Lists.Tracked)
	if err != nil {
		return err
	}
	blacklist, err := a.directoryFor(ctx, "blacklist", cfg.Lists.Blacklist)
	if err != nil {
		return err
	}

	w, err := watch.New(a.bus, a.orch, tracked, blacklist, watch.Options{Mode: mode, SelfID: a.gw.SelfID()})
	if err != nil {
		return err
	}

	a.serveMetrics(ctx)
	if err := a.gw.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stop()
		a.gw.Wait()
	}()
	logger.InfoCF("main", "tgguard running", map[string]interface{}{
		"mode":      mode,
		"tracked":   len(tracked),
		"blacklist": len(blacklist),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			logger.ErrorCF("main", "Watcher stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	if cfg.Features.SelfPurge {
		exclusions, err := a.directoryFor(ctx, "exclusions", cfg.Lists.Exclusions)
		if err != nil {
			return err
		}
		a.orch.PurgeOwn(ctx, a.gw.SelfID(), exclusions)
	}
	w.Startup(ctx)

	cronDone := make(chan struct{})
	if cfg.Schedule.Enabled && len(blacklist) > 0 {
		runner, err := cron.New("blacklist-purge", cfg.Schedule.Cron, func(ctx context.Context) {
			a.orch.PurgeAll(ctx, blacklist, "cron")
		})
		if err != nil {
			return err
		}
		go func() {
			defer close(cronDone)
			runner.Run(ctx)
		}()
	} else {
		close(cronDone)
	}

	<-ctx.Done()
	logger.InfoC("main", "Shutting down...")
	<-cronDone
	w.Stop()
	<-done
	return nil
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <handle>...",
		Short: "Delete every message from the given users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(func(ctx context.Context, a *app) error {
				users, err := a.directoryFor(ctx, "purge", args)
				if err != nil {
					return err
				}
				if len(users) == 0 {
					return errors.New("none of the given users could be resolved")
				}
				for _, rec := range a.orch.PurgeAll(ctx, users, "cli") {
					fmt.Println(journal.FormatRecord(rec, time.Now()))
				}
				return nil
			})
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Report where tracked users are present",
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(func(ctx context.Context, a *app) error {
				tracked, err := a.directoryFor(ctx, "tracked", a.cfg.Lists.Tracked)
				if err != nil {
					return err
				}
				if len(tracked) == 0 {
					return errors.New("tracked list is empty")
				}
				rec, matches := a.orch.Scan(ctx, tracked, "cli")
				for _, m := range matches {
					fmt.Printf("%-24s %-12s %s\n", m.User.DisplayName, m.Conversation.Kind, m.Conversation.Title)
				}
				fmt.Println(journal.FormatRecord(rec, time.Now()))
				return nil
			})
		},
	}
}

func selfPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self-purge",
		Short: "Delete the bot's own messages everywhere",
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(func(ctx context.Context, a *app) error {
				exclusions, err := a.directoryFor(ctx, "exclusions", a.cfg.Lists.Exclusions)
				if err != nil {
					return err
				}
				rec := a.orch.PurgeOwn(ctx, a.gw.SelfID(), exclusions)
				fmt.Println(journal.FormatRecord(rec, time.Now()))
				return nil
			})
		},
	}
}

func exportMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-members [group]",
		Short: "Add a group's members to the tracked list",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(func(ctx context.Context, a *app) error {
				ref := a.cfg.Lists.ExportGroup
				if len(args) == 1 {
					ref = args[0]
				}
				conv, err := a.findConversation(ctx, ref)
				if err != nil {
					return err
				}
				if !conv.Kind.IsGroup() {
					return fmt.Errorf("%q is a %s, not a group", conv.Title, conv.Kind)
				}
				handles, err := a.orch.ExportMembers(ctx, conv)
				if err != nil {
					return err
				}
				merged := directory.Merge(a.cfg.Lists.Tracked, handles...)
				added := len(merged) - len(a.cfg.Lists.Tracked)
				a.cfg.SetLists(merged, a.cfg.Lists.Blacklist)
				if err := config.SaveConfig(flagConfig, a.cfg); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				fmt.Printf("Exported %s members of «%s», %s new in the tracked list.\n",
					journal.Count(len(handles)), conv.Title, journal.Count(added))
				return nil
			})
		},
	}
}

func listsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lists",
		Short: "Edit the tracked and blacklist lists interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			c, err := console.New(filepath.Join(filepath.Dir(config.ExpandHome(flagConfig)), "history"))
			if err != nil {
				return err
			}
			defer c.Close()

			lists, save, err := c.EditLists(cfg.Lists.Tracked, cfg.Lists.Blacklist)
			if err != nil && !errors.Is(err, console.ErrAborted) {
				return err
			}
			if !save {
				fmt.Println("Lists unchanged.")
				return nil
			}
			cfg.SetLists(lists.Tracked, lists.Blacklist)
			if err := config.SaveConfig(flagConfig, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Saved %d tracked and %d blacklisted users.\n", len(lists.Tracked), len(lists.Blacklist))
			return nil
		},
	}
}

func journalCmd() *cobra.Command {
	var (
		limit int
		kind  string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show the sweep history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			store, err := journal.NewStore(cfg.JournalPath())
			if err != nil {
				return err
			}
			f := journal.Filter{Kind: kind, Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			records := store.Query(f)
			if len(records) == 0 {
				fmt.Println("No sweeps recorded.")
				return nil
			}
			now := time.Now()
			for _, r := range records {
				fmt.Println(journal.FormatRecord(r, now))
			}
			fmt.Println()
			fmt.Println(journal.FormatAggregate(journal.AggregateRecords(records)))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most this many runs")
	cmd.Flags().StringVar(&kind, "kind", "", "only show purge, scan or self_purge runs")
	cmd.Flags().DurationVar(&since, "since", 0, "only show runs started within this window")
	return cmd
}

func logsCmd() *cobra.Command {
	var (
		lines     int
		level     string
		component string
		keyword   string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent entries from the log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(flagConfig)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if cfg.Logging.File == "" {
				return errors.New("logging.file is not set, nothing to show")
			}
			entries, err := logger.Tail(config.ExpandHome(cfg.Logging.File), logger.TailFilter{
				Lines:     lines,
				MinLevel:  logger.ParseLevel(level),
				Component: component,
				Keyword:   keyword,
			})
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Println(logger.FormatEntry(e))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of entries to show")
	cmd.Flags().StringVar(&level, "level", "debug", "minimum level")
	cmd.Flags().StringVar(&component, "component", "", "only this component (sweep, executor, expiry, ...)")
	cmd.Flags().StringVar(&keyword, "grep", "", "only entries mentioning this text")
	return cmd
}
