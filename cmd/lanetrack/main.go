// Package main provides the lanetrack CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/lanetrack/pkg/config"
	"github.com/orneryd/lanetrack/pkg/lineage"
	"github.com/orneryd/lanetrack/pkg/logging"
	"github.com/orneryd/lanetrack/pkg/segtree"
	"github.com/orneryd/lanetrack/pkg/session"
	"github.com/orneryd/lanetrack/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lanetrack",
		Short: "lanetrack - lineage tracking for bacterial growth lanes",
		Long: `lanetrack links cell segmentation hypotheses across the frames of a
growth-lane time lapse by solving a binary linear program.

Features:
  • Competing segmentation hypotheses per frame
  • Exit, mapping and division assignments with calibrated costs
  • Interactive overrides persisted as tracking state
  • Snapshot history in BadgerDB`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("data-dir", "", "Snapshot store directory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lanetrack v%s (%s)\n", version, commit)
		},
	})

	solveCmd := &cobra.Command{
		Use:   "solve [lineage.yaml]",
		Short: "Build the tracking model for a lineage and solve it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSolve,
	}
	solveCmd.Flags().String("name", "", "Dataset name in the snapshot store")
	solveCmd.Flags().Bool("in-memory", false, "Keep snapshots in memory only")
	solveCmd.Flags().String("restore", "", `Snapshot id to restore before solving, or "latest"`)
	solveCmd.Flags().String("state-in", "", "State file to load before solving")
	solveCmd.Flags().String("state-out", "", "State file to write after solving")
	solveCmd.Flags().Duration("time-limit", config.DefaultSolverTimeLimit, "Solver time limit (0 disables it)")
	solveCmd.Flags().Float64("mip-gap", 0, "Relative MIP gap")
	solveCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(solveCmd)

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Tracking state operations",
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print a stored tracking state document",
		RunE:  runStateShow,
	}
	showCmd.Flags().String("name", "", "Dataset name (required unless --snapshot is given)")
	showCmd.Flags().String("snapshot", "", "Snapshot id (default: newest)")
	stateCmd.AddCommand(showCmd)
	rootCmd.AddCommand(stateCmd)

	snapshotsCmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Snapshot store operations",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		RunE:  runSnapshotsList,
	}
	listCmd.Flags().String("name", "", "Only list this dataset")
	snapshotsCmd.AddCommand(listCmd)
	rootCmd.AddCommand(snapshotsCmd)

	return rootCmd
}

// loadConfig reads the configuration file and environment, then applies
// flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFromEnvOrFile(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Lookup("name") != nil && flags.Changed("name") {
		cfg.Lineage.Name, _ = flags.GetString("name")
	}
	if flags.Lookup("in-memory") != nil && flags.Changed("in-memory") {
		cfg.Storage.InMemory, _ = flags.GetBool("in-memory")
	}
	if flags.Lookup("time-limit") != nil && flags.Changed("time-limit") {
		cfg.Solver.TimeLimit, _ = flags.GetDuration("time-limit")
	}
	if flags.Lookup("mip-gap") != nil && flags.Changed("mip-gap") {
		cfg.Solver.MIPGap, _ = flags.GetFloat64("mip-gap")
	}
	if flags.Lookup("state-out") != nil && flags.Changed("state-out") {
		cfg.Storage.AutosavePath, _ = flags.GetString("state-out")
	}
	if flags.Lookup("metrics-addr") != nil && flags.Changed("metrics-addr") {
		cfg.Metrics.Address, _ = flags.GetString("metrics-addr")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Lineage.Path = args[0]
	}
	if cfg.Lineage.Path == "" {
		return errors.New("no lineage file given")
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logging.Sync(log)
	log.Debug("configuration loaded", zap.Stringer("config", cfg))

	ctx := cmd.Context()
	if cfg.Metrics.Address != "" {
		shutdown := serveMetrics(cfg.Metrics.Address, log)
		defer shutdown()
	}

	lin, err := segtree.LoadFile(cfg.Lineage.Path)
	if err != nil {
		return err
	}

	store, err := session.OpenStore(cfg.Storage, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	s, err := session.New(ctx, cfg, lin, store, log)
	if err != nil {
		return err
	}
	defer s.Close()

	restore, _ := cmd.Flags().GetString("restore")
	stateIn, _ := cmd.Flags().GetString("state-in")
	restored := true
	switch {
	case restore != "":
		id := storage.SnapshotID(restore)
		if restore == "latest" {
			id = ""
		}
		report, err := s.Restore(ctx, id)
		if err != nil {
			return fmt.Errorf("restoring snapshot: %w", err)
		}
		printWarnings(cmd.ErrOrStderr(), report.Warnings)
	case stateIn != "":
		report, err := s.RestoreFile(ctx, stateIn)
		if err != nil {
			return err
		}
		printWarnings(cmd.ErrOrStderr(), report.Warnings)
	default:
		restored = false
	}

	res, err := finishSolve(ctx, s, restored)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), s.Tracker(), res)
	return nil
}

// finishSolve solves the session unless a restore already did; a restored
// result is saved as it stands.
func finishSolve(ctx context.Context, s *session.Session, restored bool) (session.SolveResult, error) {
	if !restored {
		return s.Solve(ctx)
	}
	res := s.LastResult()
	if s.Config().Storage.Autosave {
		id, err := s.Save(ctx)
		if err != nil {
			return res, err
		}
		res.Snapshot = id
	}
	return res, nil
}

func serveMetrics(addr string, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printWarnings(w io.Writer, warnings []string) {
	for _, msg := range warnings {
		fmt.Fprintf(w, "warning: %s\n", msg)
	}
}

// printSummary writes the solve outcome and the chosen segments per frame.
func printSummary(w io.Writer, tr *lineage.Tracker, res session.SolveResult) {
	fmt.Fprintf(w, "status:    %s\n", res.Status)
	fmt.Fprintf(w, "objective: %.4f\n", res.Objective)
	fmt.Fprintf(w, "elapsed:   %s\n", res.Duration.Round(time.Millisecond))
	if res.Snapshot != "" {
		fmt.Fprintf(w, "snapshot:  %s\n", res.Snapshot)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FRAME\tSEGMENTS\tASSIGNMENTS")
	for ti := range tr.NumFrames() {
		var segs, moves []string
		for _, h := range tr.OptimalSegmentation(ti) {
			segs = append(segs, h.Interval.String())
			if a, ok := tr.OptimalAssignment(h.ID, lineage.Right); ok {
				moves = append(moves, a.Kind.String())
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", ti, strings.Join(segs, " "), strings.Join(moves, " "))
	}
	tw.Flush()
}

// openStoreForRead opens the configured snapshot store. The caller syncs
// the returned logger after closing the store.
func openStoreForRead(cmd *cobra.Command) (storage.Engine, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.DataDir == "" {
		return nil, nil, errors.New("no snapshot store configured (use --data-dir)")
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{DataDir: cfg.Storage.DataDir, Logger: log})
	if err != nil {
		logging.Sync(log)
		return nil, nil, err
	}
	return store, log, nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	store, log, err := openStoreForRead(cmd)
	if err != nil {
		return err
	}
	defer logging.Sync(log)
	defer store.Close()

	name, _ := cmd.Flags().GetString("name")
	id, _ := cmd.Flags().GetString("snapshot")
	return showState(cmd.OutOrStdout(), store, name, storage.SnapshotID(id))
}

func showState(w io.Writer, store storage.Engine, name string, id storage.SnapshotID) error {
	var (
		snap *storage.Snapshot
		err  error
	)
	switch {
	case id != "":
		snap, err = store.GetSnapshot(id)
	case name != "":
		snap, err = store.LatestSnapshot(name)
	default:
		return errors.New("need --name or --snapshot")
	}
	if err != nil {
		return err
	}
	_, err = w.Write(snap.State)
	return err
}

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	store, log, err := openStoreForRead(cmd)
	if err != nil {
		return err
	}
	defer logging.Sync(log)
	defer store.Close()

	name, _ := cmd.Flags().GetString("name")
	snaps, err := store.ListSnapshots(name)
	if err != nil {
		return err
	}
	printSnapshots(cmd.OutOrStdout(), snaps)
	return nil
}

func printSnapshots(w io.Writer, snaps []*storage.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLINEAGE\tSAVED\tSTATUS\tOBJECTIVE")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.4f\n",
			s.ID, s.Lineage, s.SavedAt.Format(time.RFC3339), s.Status, s.Objective)
	}
	tw.Flush()
}
