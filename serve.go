package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shiny_assistant/assistant"
	"shiny_assistant/connect"
	"shiny_assistant/generator"
	"shiny_assistant/preview"
	"shiny_assistant/server"
	"shiny_assistant/workspace"
)

func serveCmd() *cobra.Command {
	var addr string
	var mock bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(mock)
			if err != nil {
				return err
			}
			llm, err := buildLLM(cfg, mock)
			if err != nil {
				return err
			}
			maxTokens, historyBudget := 0, 0
			if cfg.LLM != nil {
				maxTokens, historyBudget = cfg.LLM.MaxTokens, cfg.LLM.HistoryBudget
			}
			agent, err := generator.NewAgent(llm, maxTokens, historyBudget)
			if err != nil {
				return err
			}

			logger := log.Default()
			mgr := preview.NewManager(preview.Options{
				Command:      cfg.Preview.Command,
				Port:         cfg.Preview.Port,
				Host:         cfg.Preview.Host,
				ReadyTimeout: time.Duration(cfg.Preview.ReadyTimeoutSec) * time.Second,
				Logger:       logger,
				Verbose:      cfg.Verbose,
			})
			defer func() {
				if err := mgr.Stop(); err != nil {
					log.Printf("[preview] stop: %v", err)
				}
			}()

			opts := server.Options{
				Agent:          agent,
				Context:        &assistant.PreviewContext{Dir: cfg.Workspace.Dir, Preview: mgr, Shared: true},
				PreviewURL:     cfg.Preview.PublicURL,
				ResetWorkspace: cfg.Workspace.ResetEnabled(),
				Logger:         logger,
				Verbose:        cfg.Verbose,
			}
			if cfg.Connect != nil && cfg.Connect.ServerURL != "" && cfg.Connect.APIKey != "" {
				repo, err := connect.New(connect.Config{ServerURL: cfg.Connect.ServerURL, APIKey: cfg.Connect.APIKey}, nil, cfg.Verbose, logger)
				if err != nil {
					return err
				}
				opts.Content = repo
			}
			srv, err := server.New(opts)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			watcher, err := workspace.NewWatcher(cfg.Workspace.Dir, 0, func(names []string) {
				srv.NotifyAll(assistant.Event{Type: assistant.EventReloadPreview, Data: assistant.FilesPayload{Files: names}})
			}, logger)
			if err != nil {
				return err
			}
			defer watcher.Close()
			go watcher.Run(ctx)

			listen := cfg.ServerAddr
			if addr != "" {
				listen = addr
			}
			if listen == "" {
				listen = ":8080"
			}
			httpSrv := &http.Server{Addr: listen, Handler: srv.Routes()}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			log.Printf("Starting web server on %s (workspace %s, preview %s)", listen, cfg.Workspace.Dir, mgr.URL())
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "http listen address (overrides config.server_addr)")
	cmd.Flags().BoolVar(&mock, "mock", false, "use the canned mock model instead of a real provider")

	return cmd
}
