package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/server"
	"github.com/forager-labs/forager/internal/store"
)

func main() {
	var cfgPath string
	root := &cobra.Command{Use: "forager", Short: "Autonomous research agent"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, agent loop, and refresh scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfgPath, false)
			if err != nil {
				return err
			}
			defer a.close()

			if a.scheduler != nil {
				go a.scheduler.Start(ctx)
			}
			srv := server.New(a.cfg.Server, a.users, a.states, a.orch, a.memStore, a.approver,
				log.New(os.Stdout, "[SERVER] ", log.LstdFlags))
			return srv.Start(ctx)
		},
	}

	var budget float64
	var ephemeral bool
	run := &cobra.Command{
		Use:   "run [goal]",
		Short: "Execute one research run and print the final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfgPath, ephemeral)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.orch.Run(ctx, args[0], budget)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			cost, tokens := a.telemetry.CostSummary()
			a.logger.Printf("run %s finished: status=%s cost=$%.4f tokens=%d", st.RunID, st.Status, cost, tokens)
			return nil
		},
	}
	run.Flags().Float64Var(&budget, "budget", 0, "spend ceiling for this run (0 = configured default)")
	run.Flags().BoolVar(&ephemeral, "ephemeral", false, "run without postgres/redis, memory is discarded on exit")

	var migDir string
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			pg, err := store.New(ctx, cfg.Storage.Postgres.DSN(), log.New(os.Stdout, "[STORE] ", log.LstdFlags))
			if err != nil {
				return err
			}
			defer pg.Close()
			return pg.Migrate(migDir)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "migrations", "migrations directory")

	root.AddCommand(serve, run, migrate)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
