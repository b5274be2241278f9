package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nutriplan/chatsync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	watchOpen        int64
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().Int64Var(&watchOpen, "open", 0, "Open the conversation with this user and mark it read")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live session",
	Long:  "Connect to the realtime endpoint and print incoming events until interrupted.\nEditing the config file re-authenticates without restarting.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireSession(cfg); err != nil {
			return err
		}
		logger := newLogger(cfg)

		opts := []chatsync.EngineOption{chatsync.WithLogger(logger)}
		snap, err := openSnapshot(cfg)
		if err != nil {
			return err
		}
		if snap != nil {
			defer snap.Close()
			opts = append(opts, chatsync.WithSnapshot(snap))
		}

		engine := chatsync.NewEngine(cfg.Default.APIBase, wsBase(cfg), opts...)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := engine.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("shutdown")
			}
		}()

		engine.OnStatus(printStatus)
		printUnread(engine.Store())
		subscribeEvents(engine)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := startSession(ctx, engine, cfg); err != nil {
			return err
		}

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Str("addr", watchMetricsAddr).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		fmt.Println("Watching. Press Ctrl+C to stop.")
		return watchLoop(ctx, engine, logger)
	},
}

// startSession authenticates the engine and loads the initial state.
func startSession(ctx context.Context, engine *chatsync.Engine, cfg *Config) error {
	session := chatsync.Session{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID}
	if err := engine.OnAuthChange(ctx, session); err != nil {
		// A failed dial is retried by the reconnection policy.
		fmt.Println(metaStyle.Render(fmt.Sprintf("[connection] %v", err)))
	}

	loadCtx, cancel := context.WithTimeout(ctx, chatsync.RefreshTimeout)
	defer cancel()

	store := engine.Store()
	if err := store.LoadDialogs(loadCtx); err != nil {
		return err
	}
	fmt.Printf("%d conversations, %d unread\n", len(store.Dialogs()), store.UnreadTotal())

	if watchOpen != 0 {
		if err := store.Subscribe(loadCtx, watchOpen); err != nil {
			return err
		}
		for _, m := range store.Messages(watchOpen) {
			fmt.Println(renderMessage(m, cfg.Auth.UserID))
		}
		if err := store.MarkRead(loadCtx, watchOpen); err != nil {
			return err
		}
	}
	return nil
}

// subscribeEvents registers the printing listeners. Logging out clears
// them, so they are registered again on the next login.
func subscribeEvents(engine *chatsync.Engine) {
	store := engine.Store()

	engine.OnEvent(chatsync.EventMessage, func(ev chatsync.Event) {
		var m chatsync.Message
		if err := ev.Decode(&m); err != nil {
			return
		}
		fmt.Println(renderMessage(m, store.Self()))
		if watchOpen != 0 && m.Counterpart(store.Self()) == watchOpen && m.SenderID != store.Self() {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = store.MarkRead(ctx, watchOpen)
			}()
		}
	})
	engine.OnEvent(chatsync.EventNotification, func(ev chatsync.Event) {
		var n chatsync.Notification
		if err := ev.Decode(&n); err != nil {
			return
		}
		fmt.Println(metaStyle.Render(fmt.Sprintf("[notification] %s: %s", n.Type, n.Content)))
	})
	engine.OnEvent(chatsync.EventChatStarted, func(ev chatsync.Event) {
		var c chatsync.ChatStarted
		if err := ev.Decode(&c); err != nil {
			return
		}
		fmt.Println(metaStyle.Render(fmt.Sprintf("[chat started] with %d", c.ReceiverID)))
	})
}

// printUnread reports the unread total whenever it changes.
func printUnread(store *chatsync.Store) {
	var last atomic.Int64
	last.Store(-1)
	store.OnChange(func(c chatsync.Change) {
		if c.Kind != chatsync.ChangeDialogs {
			return
		}
		n := store.UnreadTotal()
		if last.Swap(int64(n)) != int64(n) {
			fmt.Println(unreadStyle.Render(fmt.Sprintf("%d unread", n)))
		}
	})
}

func printStatus(s chatsync.Status) {
	switch {
	case s.GaveUp:
		fmt.Println(metaStyle.Render("[connection] gave up reconnecting"))
	case s.State == chatsync.StateReconnecting:
		fmt.Println(metaStyle.Render(fmt.Sprintf("[connection] reconnecting in %s (attempt %d)", s.Delay, s.Attempt)))
	default:
		fmt.Println(metaStyle.Render("[connection] " + s.State.String()))
	}
}

// watchLoop blocks until SIGINT/SIGTERM, reloading the session whenever the
// config file changes.
func watchLoop(ctx context.Context, engine *chatsync.Engine, logger zerolog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	path, err := configPath()
	if err != nil {
		return err
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create config file watcher")
	} else {
		defer watcher.Close()
		if err := watcher.Add(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("failed to watch config file")
		}
		events, errs = watcher.Events, watcher.Errors
	}

	for {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)) {
				continue
			}
			// Editors replace the file on save; re-add it once the new one exists.
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(path); os.IsNotExist(err) {
					logger.Warn().Str("path", path).Msg("config file removed, keeping current session")
					continue
				}
				if err := watcher.Add(path); err != nil {
					logger.Warn().Err(err).Msg("failed to re-add config file to watcher")
				}
			} else {
				time.Sleep(100 * time.Millisecond)
			}
			if err := reloadSession(ctx, engine, path); err != nil {
				logger.Error().Err(err).Msg("failed to reload session")
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn().Err(err).Msg("config file watcher error")
		}
	}
}

// reloadSession re-reads the config file and hands the session to the
// engine. A cleared token logs out.
func reloadSession(ctx context.Context, engine *chatsync.Engine, path string) error {
	cfg, err := readConfig(path)
	if err != nil {
		return err
	}
	applyEnv(cfg)

	next := chatsync.Session{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID}
	prev := engine.Session()
	if next == prev {
		return nil
	}
	err = engine.OnAuthChange(ctx, next)
	if !prev.LoggedIn() && next.LoggedIn() {
		subscribeEvents(engine)
	}
	if err != nil {
		return err
	}
	if !next.LoggedIn() {
		fmt.Println(metaStyle.Render("[session] logged out"))
		return nil
	}
	fmt.Println(metaStyle.Render(fmt.Sprintf("[session] user %d", next.UserID)))
	if prev.UserID != next.UserID {
		loadCtx, cancel := context.WithTimeout(ctx, chatsync.RefreshTimeout)
		defer cancel()
		return engine.Store().LoadDialogs(loadCtx)
	}
	return nil
}
