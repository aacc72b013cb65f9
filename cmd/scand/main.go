package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scanstation/internal/config"
	"scanstation/internal/db"
	"scanstation/internal/domain"
	"scanstation/internal/events"
	"scanstation/internal/importer"
	"scanstation/internal/migrate"
	"scanstation/internal/scanner"
	"scanstation/internal/server"
	"scanstation/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "scand",
	Short: "Ballot scanning station",
	Long: `scand runs a precinct ballot scanning station: it drives the sheet
feeder, interprets both sides of each sheet against the configured
election, pauses for adjudication when a sheet cannot be cast outright,
and stores every accepted sheet with its audit trail.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SCANSTATION")
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(electionCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(testModeCmd())
	rootCmd.AddCommand(thresholdsCmd())
	rootCmd.AddCommand(skipHashCheckCmd())
	rootCmd.AddCommand(calibrateCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(zeroCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

// station bundles everything a command needs.
type station struct {
	Config   *config.Config
	Store    store.Store
	Importer *importer.Importer
	close    func()
}

func openStation(ctx context.Context) (*station, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	device, closeDevice, err := buildDevice(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := store.New(conn)
	imp := importer.New(s, device, workspace)
	imp.PageSize = cfg.Scanner.PageSize
	imp.PrecinctID = cfg.Station.PrecinctID
	imp.Workers = cfg.Workers()
	return &station{
		Config:   cfg,
		Store:    s,
		Importer: imp,
		close: func() {
			closeDevice()
			conn.Close()
		},
	}, nil
}

func buildDevice(cfg *config.Config) (scanner.Device, func(), error) {
	switch cfg.Scanner.Backend {
	case "subprocess":
		return &scanner.SubprocessDevice{
			Command: cfg.Scanner.Command,
			Args:    cfg.Scanner.Args,
		}, func() {}, nil
	case "sdk":
		client := scanner.NewReconnectingClient(scanner.NetClientProvider(cfg.Scanner.Addr))
		device := &scanner.SDKDevice{
			Client:        client,
			SettleTimeout: cfg.SettleTimeout(),
		}
		return device, func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown scanner backend %q", cfg.Scanner.Backend)
}

func withStation(ctx context.Context, fn func(context.Context, *station) error) error {
	st, err := openStation(ctx)
	if err != nil {
		return err
	}
	defer st.close()
	return fn(ctx, st)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the station HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				if err := st.Importer.RestoreConfig(ctx); err != nil {
					return err
				}
				if addr == "" {
					addr = st.Config.Server.Addr
				}
				if addr == "" {
					addr = "127.0.0.1:8070"
				}
				authCfg := server.AuthConfig{
					JWTSecret:     st.Config.Server.JWTSecret,
					AllowInsecure: st.Config.Server.AllowInsecure,
				}
				if !authCfg.AllowInsecure && authCfg.JWTSecret == "" {
					return fmt.Errorf("server.jwt_secret is required unless server.allow_insecure is set")
				}
				handler, err := server.New(server.Config{
					Importer: st.Importer,
					Store:    st.Store,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving scan station API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show station status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				snap, err := st.Importer.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("State:    %s\n", snap.State)
				fmt.Printf("Scanner:  %s\n", snap.Scanner)
				fmt.Printf("Election: configured=%v test_mode=%v\n", snap.Electioned, snap.TestMode)
				fmt.Printf("Review:   %d adjudicated, %d remaining\n", snap.Adjudication.Adjudicated, snap.Adjudication.Remaining)
				renderBatches(snap.Batches)
				return nil
			})
		},
	}
	return cmd
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{Use: "batch", Short: "Manage scanning batches"}
	batch.AddCommand(batchStartCmd())
	batch.AddCommand(batchContinueCmd())
	batch.AddCommand(batchListCmd())
	batch.AddCommand(batchSheetsCmd())
	return batch
}

func batchStartCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start scanning a new batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				if err := st.Importer.RestoreConfig(ctx); err != nil {
					return err
				}
				id, err := st.Importer.StartImport(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Batch %s started\n", id)
				st.Importer.WaitIdle(wait)
				return reportAfterLoop(ctx, st)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for the feeder to drain")
	return cmd
}

func batchContinueCmd() *cobra.Command {
	var forceAccept bool
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Resolve the pending sheet and resume scanning",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				if err := st.Importer.RestoreConfig(ctx); err != nil {
					return err
				}
				err := st.Importer.ContinueImport(ctx, importer.ContinueOptions{ForceAccept: forceAccept})
				if err != nil {
					return err
				}
				st.Importer.WaitIdle(wait)
				return reportAfterLoop(ctx, st)
			})
		},
	}
	cmd.Flags().BoolVar(&forceAccept, "force-accept", false, "accept the pending sheet as-is")
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for the feeder to drain")
	return cmd
}

func reportAfterLoop(ctx context.Context, st *station) error {
	switch st.Importer.State() {
	case importer.StateAwaitingAdjudication:
		review, err := st.Importer.NextReviewSheet(ctx)
		if err != nil {
			return err
		}
		if review != nil {
			fmt.Printf("Paused: sheet %s needs adjudication (run 'scand batch continue')\n", review.Sheet.ID)
		}
	case importer.StateIdle:
		fmt.Println("Batch finished")
	default:
		fmt.Printf("State: %s\n", st.Importer.State())
	}
	return nil
}

func batchListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				items, err := st.Store.ListBatches(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderBatches(items)
				return nil
			})
		},
	}
	return cmd
}

func batchSheetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sheets <batch-id>",
		Short: "List a batch's sheets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				sheets, err := st.Store.ListSheets(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sheets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pos", "ID", "Front", "Back", "Needs Review"})
				for _, sh := range sheets {
					tw.AppendRow(table.Row{sh.Position, sh.ID, sh.Front.Interpretation.Kind, sh.Back.Interpretation.Kind, sh.RequiresAdjudication})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func electionCmd() *cobra.Command {
	el := &cobra.Command{Use: "election", Short: "Manage the configured election"}
	el.AddCommand(electionImportCmd())
	el.AddCommand(electionShowCmd())
	el.AddCommand(electionUnconfigureCmd())
	return el
}

func electionImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Configure the election from a JSON definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var def domain.ElectionDefinition
			if err := json.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("invalid election definition: %w", err)
			}
			if def.ID == "" || def.Hash == "" {
				return fmt.Errorf("election definition needs id and hash")
			}
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				if err := st.Importer.ConfigureElection(ctx, def); err != nil {
					return err
				}
				fmt.Printf("Election %s configured\n", def.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to election JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func electionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the configured election",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				def, err := st.Store.GetElectionDefinition(ctx)
				if err != nil {
					return err
				}
				if def == nil {
					fmt.Println("No election configured")
					return nil
				}
				return printJSON(def)
			})
		},
	}
	return cmd
}

func electionUnconfigureCmd() *cobra.Command {
	var ignoreBackup bool
	cmd := &cobra.Command{
		Use:   "unconfigure",
		Short: "Remove the election and all ballot data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				return st.Importer.Unconfigure(ctx, ignoreBackup)
			})
		},
	}
	cmd.Flags().BoolVar(&ignoreBackup, "ignore-backup-requirement", false, "skip the backup guard")
	return cmd
}

func templatesCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "templates", Short: "Manage ballot page layouts"}
	tpl.AddCommand(templatesImportCmd())
	tpl.AddCommand(templatesFinalizeCmd())
	return tpl
}

func templatesFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Mark the registered layout set as complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				if err := st.Importer.FinalizeTemplates(ctx); err != nil {
					return err
				}
				fmt.Println("Templates finalized")
				return nil
			})
		},
	}
	return cmd
}

func templatesImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Register ballot page layouts from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var layouts []domain.PageLayout
			if err := json.Unmarshal(data, &layouts); err != nil {
				return fmt.Errorf("invalid layouts: %w", err)
			}
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				if err := st.Importer.AddTemplates(ctx, layouts); err != nil {
					return err
				}
				fmt.Printf("Registered %d page layouts\n", len(layouts))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to layouts JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func testModeCmd() *cobra.Command {
	var enabled bool
	cmd := &cobra.Command{
		Use:   "test-mode",
		Short: "Switch test mode (zeroes ballot data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				if err := st.Importer.SetTestMode(ctx, enabled); err != nil {
					return err
				}
				fmt.Printf("Test mode: %v (ballot data zeroed)\n", enabled)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable test mode")
	return cmd
}

func thresholdsCmd() *cobra.Command {
	var marginal, definite float64
	var clear bool
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Override mark thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				if clear {
					return st.Importer.SetMarkThresholds(ctx, nil)
				}
				if marginal <= 0 || definite <= marginal {
					return fmt.Errorf("thresholds need 0 < marginal < definite")
				}
				return st.Importer.SetMarkThresholds(ctx, &domain.MarkThresholds{Marginal: marginal, Definite: definite})
			})
		},
	}
	cmd.Flags().Float64Var(&marginal, "marginal", domain.DefaultMarkThresholds.Marginal, "marginal fill ratio")
	cmd.Flags().Float64Var(&definite, "definite", domain.DefaultMarkThresholds.Definite, "definite fill ratio")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove the override")
	return cmd
}

func skipHashCheckCmd() *cobra.Command {
	var skip bool
	cmd := &cobra.Command{
		Use:   "skip-hash-check",
		Short: "Toggle election hash verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				return st.Importer.SetSkipHashCheck(ctx, skip)
			})
		},
	}
	cmd.Flags().BoolVar(&skip, "skip", true, "skip the election hash check")
	return cmd
}

func calibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run scanner calibration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				ok, err := st.Importer.Calibrate(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("calibration failed")
				}
				fmt.Println("Calibration OK")
				return nil
			})
		},
	}
	return cmd
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Record that ballot data has been exported",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				return st.Importer.Backup(ctx)
			})
		},
	}
	return cmd
}

func zeroCmd() *cobra.Command {
	var ignoreBackup bool
	cmd := &cobra.Command{
		Use:   "zero",
		Short: "Delete all batches and sheets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				return st.Importer.Zero(ctx, ignoreBackup)
			})
		},
	}
	cmd.Flags().BoolVar(&ignoreBackup, "ignore-backup-requirement", false, "skip the backup guard")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStation(cmd.Context(), func(ctx context.Context, st *station) error {
				items, err := events.Latest(ctx, st.Store.DB, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "ID"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind, e.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Station configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var stationID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default station.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(stationID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&stationID, "station-id", "scan-station", "station identifier")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

// --- helpers ---

func renderBatches(batches []domain.Batch) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Started", "Ended", "Sheets", "Error"})
	for _, b := range batches {
		ended := ""
		if b.EndedAt != nil {
			ended = *b.EndedAt
		}
		errStr := ""
		if b.Error != nil {
			errStr = *b.Error
		}
		tw.AppendRow(table.Row{b.ID, b.StartedAt, ended, b.SheetCount, errStr})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
