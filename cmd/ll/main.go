package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leadline/internal/api"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/migrate"
	"leadline/internal/protocol"
	"leadline/internal/safety"
	"leadline/internal/server"
	"leadline/internal/store"
	"leadline/internal/syncengine"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Leadline CLI",
	Long: `Leadline keeps a local-first outreach ledger and reconciles it with a cloud CRM.
- Events: every outreach message, status change and exception toggle is an
  append-only ledger row, written locally first and synced later.
- Prospects: a mutable projection per contacted handle with earliest-wins
  first-contact tracking.
- Rules: governance limits (frequency caps, interval spacing) pulled from the
  cloud; violations warn the automation client but never block a local write.
- Serve: 'll serve' runs the loopback socket server, the sync loop and an
  optional read-only status API in one process.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(prospectCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
}

func initCmd() *cobra.Command {
	var operatorRef, sharedKey string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if sharedKey == "" {
				var buf [32]byte
				if _, err := rand.Read(buf[:]); err != nil {
					return err
				}
				sharedKey = hex.EncodeToString(buf[:])
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(operatorRef, sharedKey)), 0o600); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: db at %s, config at %s\n", db.Path(workspace), cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&operatorRef, "operator", "", "operator reference")
	cmd.Flags().StringVar(&sharedKey, "shared-key", "", "socket shared key (generated when empty)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the socket server, sync engine and status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			log := newLogger()
			st := store.New(conn)
			checker := safety.New(st)

			srv := server.New(server.Config{
				Port:        cfg.Server.Port,
				SharedKey:   cfg.Server.SharedKey,
				OperatorRef: cfg.Operator.Ref,
			}, st, checker, log.WithField("component", "server"))
			srv.Enricher = server.NewEnricher(st, log.WithField("component", "enrich"))
			if err := srv.Start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go srv.Enricher.Run(ctx)

			if cfg.Sync.Endpoint != "" {
				eng := syncengine.New(st, syncengine.NewHTTPCloud(cfg.Sync.Endpoint, cfg.Sync.Token), cfg.Operator.Ref)
				eng.Interval = time.Duration(cfg.Sync.IntervalSec) * time.Second
				eng.BatchSize = cfg.Sync.BatchSize
				eng.ActiveActor = srv.Liveness.ActiveActor
				eng.Log = log.WithField("component", "sync")
				eng.OnSuccess = func(pushed int) {
					srv.Broadcast(protocol.SyncCompletePayload{
						CompletedAt: time.Now().UTC().Format(store.TimeFormat),
						Pushed:      pushed,
					})
				}
				go eng.Run(ctx)
			} else {
				log.Info("sync endpoint not configured, running offline")
			}

			var apiSrv *http.Server
			if cfg.API.Addr != "" {
				apiSrv = &http.Server{
					Addr:    cfg.API.Addr,
					Handler: api.New(api.Config{Store: st, JWTSecret: cfg.API.JWTSecret}),
				}
				go func() {
					log.WithField("addr", cfg.API.Addr).Info("status api listening")
					if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.WithError(err).Error("status api")
					}
				}()
			}

			<-ctx.Done()
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if apiSrv != nil {
				apiSrv.Shutdown(shutdownCtx)
			}
			return srv.Stop(shutdownCtx)
		},
	}
	return cmd
}

func prospectCmd() *cobra.Command {
	prospect := &cobra.Command{Use: "prospect", Short: "Inspect prospects"}
	prospect.AddCommand(prospectListCmd())
	prospect.AddCommand(prospectShowCmd())
	return prospect
}

func prospectListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List prospects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				targets, err := st.ListTargets(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(targets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Target", "Status", "Owner", "Email", "First Contacted"})
				for _, t := range targets {
					tw.AppendRow(table.Row{t.TargetRef, t.Status, t.OwnerActorRef, t.Email, t.FirstContacted})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func prospectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <target-ref>",
		Short: "Show one prospect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				target, err := st.GetTarget(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(target)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event ledger"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				events, err := st.LatestEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Actor", "Target", "Created", "Synced"})
				for _, ev := range events {
					target := ""
					if ev.TargetRef != nil {
						target = *ev.TargetRef
					}
					tw.AppendRow(table.Row{ev.LocalID, ev.Type, ev.ActorRef, target, ev.CreatedAt, ev.Synced})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger counts and sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				stats, err := st.GetStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("Events:   %d (%d unsynced)\n", stats.Events, stats.Unsynced)
				fmt.Printf("Targets:  %d\n", stats.Targets)
				fmt.Printf("Rules:    %d cached, Goals: %d cached\n", stats.Rules, stats.Goals)
				if stats.SyncCursor == "" {
					fmt.Println("Last sync: never")
				} else {
					fmt.Printf("Last sync: %s\n", stats.SyncCursor)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(c)
		},
	})
	return cfg
}

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.New(conn))
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(viper.GetString("log-level")); err == nil {
		log.SetLevel(level)
	}
	return log
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
