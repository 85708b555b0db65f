// Command deskcoordd is the coordinator daemon: it loads the YAML config,
// starts the hook-notify HTTP listener, and runs the Session Manager event
// loop. A UI shell (not part of this repo) talks to the Coordinator's Go API
// directly when embedded, or drives it over whatever transport wraps this
// process; this binary on its own simply keeps the loop alive and logs
// every coordinator event, which is enough to drive it headlessly or from a
// REPL-style client.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/agentdesk/deskcoord/internal/config"
	"github.com/agentdesk/deskcoord/internal/coordinator"
	"github.com/agentdesk/deskcoord/internal/hookrouter"
	"github.com/agentdesk/deskcoord/internal/logx"
)

func main() {
	root := &cobra.Command{
		Use:   "deskcoordd",
		Short: "desktop coordinator daemon for paired Builder/Reviewer CLI sessions",
		RunE:  run,
	}

	root.Flags().String("config", "", "path to deskcoord.yaml (defaults to built-in config if absent)")
	root.Flags().String("shell", defaultShell(), "login shell used to spawn every session's PTY")
	root.Flags().String("project-dir", "", "project directory every session's shell cd's into (defaults to the nearest ancestor of cwd holding .deskcoord or .git, else cwd)")
	root.Flags().String("log-level", "info", "debug|info|warn|error")
	root.Flags().String("log-file", "", "optional log file, in addition to stdout")
	root.Flags().Float64("hook-rps", 50, "hook-notify endpoint rate limit, requests/sec")
	root.Flags().Int("hook-burst", 20, "hook-notify endpoint rate limit burst")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	shellPath, _ := cmd.Flags().GetString("shell")
	projectDir, _ := cmd.Flags().GetString("project-dir")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")
	hookRPS, _ := cmd.Flags().GetFloat64("hook-rps")
	hookBurst, _ := cmd.Flags().GetInt("hook-burst")

	if err := logx.Init(logLevel, logFile); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	if projectDir == "" {
		resolved, err := config.GetProjectDir()
		if err != nil {
			return fmt.Errorf("resolve project dir: %w", err)
		}
		projectDir = resolved
	}

	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer cfgMgr.Close()

	router := hookrouter.New(hookRPS, hookBurst)
	co := coordinator.New(cfgMgr, router, shellPath, projectDir)
	defer co.Close()

	router.OnRefresh = func() {
		logx.Debug("deskcoordd: file-tree refresh signal")
	}

	go logEvents(co)

	addr := cfgMgr.Get().HookListenAddr
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: hookrouter.NewServeMux(router),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logx.Info("deskcoordd: hook listener starting", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logx.Info("deskcoordd: shutting down")
		return httpSrv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func logEvents(co *coordinator.Coordinator) {
	for ev := range co.Events() {
		logx.Info("coordinator event", "kind", ev.Kind, "tab_id", ev.TabID)
	}
}
