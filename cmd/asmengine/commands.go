// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianASM/services/asm/api"
	"github.com/AleutianAI/AleutianASM/services/asm/machine"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		steps int
		dump  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a machine until it halts or the step bound is reached",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("steps") {
				cfg.Engine.Steps = steps
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			start := time.Now()
			committed, runErr := rt.engine.Run(ctx, cfg.Engine.Steps)
			st := rt.engine.Status()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "machine %s: %d step(s) committed in %s", rt.machine.Name(), committed, time.Since(start).Round(time.Millisecond))
			if st.Halted {
				fmt.Fprint(out, ", halted")
			}
			fmt.Fprintln(out)
			if dump {
				for _, r := range rt.storage.Dump() {
					fmt.Fprintf(out, "%s = %s\n", r.Loc, r.Value.Denotation())
				}
			}
			return runErr
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "maximum steps; 0 runs until the machine halts")
	cmd.Flags().BoolVar(&dump, "dump", false, "print the final state")
	return cmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a machine over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			gin.SetMode(gin.ReleaseMode)
			opts := []api.Option{api.WithLogger(rt.logger), api.WithMachine(rt.machine)}
			if rt.history != nil {
				opts = append(opts, api.WithHistory(rt.history, cfg.History.Recent))
			}
			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           api.NewRouter(rt.engine, opts...),
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			}
			return serve(ctx, srv, cfg.Server.ShutdownTimeout, rt.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition>...",
		Short: "Check machine definitions without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs []error
			for _, path := range args {
				def, err := machine.Load(path)
				if err == nil {
					var m *machine.Machine
					if m, err = machine.Build(def); err == nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (machine %q, %d rules, %d agents)\n",
							path, m.Name(), len(m.RuleNames()), len(m.AgentNames())+1)
						continue
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
			return errors.Join(errs...)
		},
	}
}
