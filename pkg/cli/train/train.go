// Copyright (c) OpenMMLab. All rights reserved.

package train

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"oamix/logger"
	"oamix/pkg/cli/common"
	"oamix/pkg/launch"
	"oamix/pkg/logtail"
	"oamix/pkg/metrics"
	"oamix/pkg/notify"
	"oamix/pkg/proc"
	"oamix/pkg/runner"
	"oamix/pkg/scripts"
	"oamix/pkg/stacktrace"
	"oamix/pkg/statusserver"
	"oamix/pkg/storage"
	"oamix/pkg/version"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPushInterval = 15 * time.Second
	defaultGracePeriod  = 30 * time.Second
	metricsJobName      = "oamix-run"
	stackConcurrency    = 8
)

// Options control how a resolved launch is supervised.
type Options struct {
	Quiet         bool
	Color         bool
	Timeout       time.Duration
	GracePeriod   time.Duration
	StatusAddr    string
	PushGateway   string
	PushInterval  time.Duration
	NotifyWebhook string
	Stdout        io.Writer
	Stderr        io.Writer
}

func NewCmdTrain() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train [CONFIG [GPUS [ARGS...]]]",
		Short: "Launch distributed training on this node",
		Long: `Launch the training entry point on this node through the distributed launcher.
CONFIG replaces the configured model config and GPUS the number of processes
per node; every following argument is passed to the training entry point
unchanged.

Usage:
  oamix-run train [flags] [CONFIG [GPUS [ARGS...]]]

Examples:
  oamix-run train
  NNODES=2 NODE_RANK=1 MASTER_ADDR=10.0.0.1 oamix-run train configs/oamix/my_config.py 8 --resume
  oamix-run train --backend native --status-addr :50051 --dry-run`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := common.NewResolver(cmd)
			r.Out = cmd.ErrOrStderr()
			quiet := r.Bool("quiet", false)
			if quiet {
				r.Out = io.Discard
			}

			spec, err := ResolveSpec(r, env.ToMap(os.Environ()), args)
			if err != nil {
				return err
			}

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if dryRun {
				PrintCommands(cmd.OutOrStdout(), spec)
				return nil
			}

			opts := Options{
				Quiet:         quiet,
				Color:         isTerminal(os.Stdout),
				Timeout:       r.Duration("timeout", 0),
				GracePeriod:   r.Duration("grace-period", defaultGracePeriod),
				StatusAddr:    r.String("status-addr", ""),
				PushGateway:   r.String("push-gateway", ""),
				PushInterval:  r.Duration("push-interval", defaultPushInterval),
				NotifyWebhook: r.String("notify-webhook", ""),
				Stdout:        cmd.OutOrStdout(),
				Stderr:        cmd.ErrOrStderr(),
			}
			return Run(cmd.Context(), spec, opts)
		},
	}
	// Flags stop at CONFIG so the forwarded arguments reach the entry point
	// untouched.
	cmd.Flags().SetInterspersed(false)

	cmd.Flags().String("backend", "", "Process backend: torch (external launcher) or native (one process per GPU)")
	cmd.Flags().Bool("dry-run", false, "Print the resolved command line(s) and exit")
	cmd.Flags().Int("gpus", 0, "Number of processes per node")
	cmd.Flags().String("visible-devices", "", "CUDA_VISIBLE_DEVICES for the training processes")
	cmd.Flags().String("config-file", "", "Model config file, replaced by the CONFIG argument")
	cmd.Flags().Bool("no-auto-scale-lr", false, "Do not pass --auto-scale-lr to the entry point")
	cmd.Flags().String("python", "", "Python interpreter")
	cmd.Flags().String("train-script", "", "Training entry point")
	cmd.Flags().String("extra-args", "", "Shell-quoted arguments placed before the forwarded ones")
	cmd.Flags().Duration("timeout", 0, "Stop training after this duration, 0 means no limit")
	cmd.Flags().Duration("grace-period", 0, "Time between SIGTERM and SIGKILL when stopping processes")
	cmd.Flags().String("status-addr", "", "Serve the status API on this address while training, e.g. :50051")
	cmd.Flags().String("push-gateway", "", "Pushgateway URL (e.g., http://localhost:9091)")
	cmd.Flags().Duration("push-interval", 0, "Metrics push interval")
	cmd.Flags().String("notify-webhook", "", "Feishu webhook receiving the run summary")
	cmd.Flags().BoolP("quiet", "q", false, "Do not mirror process output on the terminal")

	return cmd
}

// ResolveSpec builds the launch from config file, flags, the node
// environment in vars and the positional arguments.
func ResolveSpec(r *common.Resolver, vars map[string]string, args []string) (launch.Spec, error) {
	opts := launch.DefaultOptions()
	opts.Backend = r.String("backend", opts.Backend)
	opts.GPUs = r.Int("gpus", opts.GPUs)
	opts.VisibleDevices = r.String("visible-devices", opts.VisibleDevices)
	opts.ConfigFile = r.String("config-file", opts.ConfigFile)
	opts.WorkDir = r.String("work-dir", opts.WorkDir)
	opts.Python = r.String("python", opts.Python)
	opts.TrainScript = r.String("train-script", opts.TrainScript)
	opts.LauncherModule = r.String("launcher-module", opts.LauncherModule)
	opts.RepoRoot = r.String("repo-root", opts.RepoRoot)
	opts.AutoScaleLR = r.Bool("auto-scale-lr", opts.AutoScaleLR) && !r.Bool("no-auto-scale-lr", false)

	if extra := r.String("extra-args", ""); extra != "" {
		words, err := shellquote.Split(extra)
		if err != nil {
			return launch.Spec{}, fmt.Errorf("invalid extra-args %q: %w", extra, err)
		}
		opts.ExtraArgs = words
	}

	return launch.Resolve(vars, opts, args)
}

// PrintCommands writes the commands a launch would run, one per line.
func PrintCommands(w io.Writer, spec launch.Spec) {
	for _, c := range launch.BuildCommands(spec) {
		fmt.Fprintln(w, c.String())
	}
}

// Run executes the launch and supervises it until every process exited. The
// returned error carries the exit status of the failing process, see
// runner.ExitCode.
func Run(ctx context.Context, spec launch.Spec, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	runID := uuid.NewString()
	runName := started.Format("20060102_150405") + "_" + runID[:8]
	logDir := logtail.RunDir(spec.Options.WorkDir, runName)

	cmds := launch.BuildCommands(spec)
	procs := make([]proc.Proc, 0, len(cmds))
	lines := make([]string, 0, len(cmds))
	for _, c := range cmds {
		procs = append(procs, c.Proc(logDir))
		lines = append(lines, c.String())
	}

	events := newRecorder(spec, runID)
	events.record(storage.TypeLaunch, storage.SeverityInfo,
		fmt.Sprintf("launching %d process(es) with the %s backend", len(procs), spec.Options.Backend),
		storage.Metadata{
			"commands":  lines,
			"nnodes":    spec.Node.NNodes,
			"node_rank": spec.Node.NodeRank,
			"gpus":      spec.Options.GPUs,
			"log_dir":   logDir,
		})
	logger.Logger.Info("Starting launch",
		zap.String("run_id", runID),
		zap.String("backend", spec.Options.Backend),
		zap.Int("nnodes", spec.Node.NNodes),
		zap.Int("node_rank", spec.Node.NodeRank),
		zap.String("master", fmt.Sprintf("%s:%d", spec.Node.MasterAddr, spec.Node.MasterPort)),
		zap.String("log_dir", logDir),
		zap.Strings("commands", lines))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, opts.Timeout)
		defer cancel()
	}
	stop := runner.Trap(func(sig os.Signal) {
		logger.Logger.Info("Received system signal. Stopping training...", zap.Any("sig", sig))
		cancel()
	})
	defer stop()

	sideCtx, stopSide := context.WithCancel(context.Background())
	defer stopSide()
	var side errgroup.Group
	if opts.StatusAddr != "" {
		srv := statusserver.New(statusserver.Options{
			Run: statusserver.RunInfo{
				RunID:      runID,
				Backend:    spec.Options.Backend,
				NNodes:     spec.Node.NNodes,
				NodeRank:   spec.Node.NodeRank,
				MasterAddr: spec.Node.MasterAddr,
				MasterPort: spec.Node.MasterPort,
				GPUs:       spec.Options.GPUs,
				WorkDir:    spec.Options.WorkDir,
				Commands:   lines,
				StartTime:  started,
				Version:    version.Get().Short(),
			},
			Logs: logtail.NewFileReader(spec.Options.WorkDir),
			Stacks: func(req stacktrace.Request) stacktrace.Interface {
				return stacktrace.NewPythonStack(scripts.NewFinder(""), stackConcurrency, req)
			},
			Storage: events.store,
		})
		side.Go(func() error {
			return serveStatus(sideCtx, srv, opts.StatusAddr)
		})
	}
	if opts.PushGateway != "" {
		side.Go(func() error {
			return metrics.PushMetricsToGateway(sideCtx, opts.PushGateway, metricsJobName, opts.PushInterval)
		})
	}

	var mu sync.Mutex
	var failed []string
	runErr := runner.RunAll(runCtx, procs, runner.Options{
		Console:     !opts.Quiet,
		Color:       opts.Color,
		Stdout:      opts.Stdout,
		Stderr:      opts.Stderr,
		GracePeriod: opts.GracePeriod,
		OnStart: func(p proc.Proc) {
			metrics.RecordRankStart()
		},
		OnExit: func(p proc.Proc, err error, took time.Duration) {
			metrics.RecordRankExit(p.Name, err)
			status := metrics.ExitStatus(err)
			severity := storage.SeverityInfo
			msg := fmt.Sprintf("%s exited after %s", p.Name, took.Round(time.Second))
			if status == "error" {
				severity = storage.SeverityError
				msg = fmt.Sprintf("%s failed after %s: %v", p.Name, took.Round(time.Second), err)
				mu.Lock()
				failed = append(failed, p.Name)
				mu.Unlock()
			}
			events.record(storage.TypeRankExit, severity, msg, storage.Metadata{
				"name":         p.Name,
				"status":       status,
				"exit_code":    runner.ExitCode(err),
				"took_seconds": took.Seconds(),
			})
		},
	})
	took := time.Since(started)
	metrics.ObserveLaunch(spec.Options.Backend, took)

	stopSide()
	if err := side.Wait(); err != nil {
		logger.Logger.Warn("Status server or metrics push stopped with error", zap.Error(err))
	}

	code := runner.ExitCode(runErr)
	if runErr != nil {
		logger.Logger.Error("Training failed", zap.String("run_id", runID), zap.Int("exit_code", code),
			zap.Duration("took", took), zap.Error(runErr))
	} else {
		logger.Logger.Info("Training finished", zap.String("run_id", runID), zap.Duration("took", took))
	}

	summary := notify.RunSummary{
		RunID:       runID,
		NodeRank:    spec.Node.NodeRank,
		Backend:     spec.Options.Backend,
		ConfigFile:  spec.Options.ConfigFile,
		Started:     started,
		Took:        took,
		ExitCode:    code,
		FailedRanks: failed,
		Err:         runErr,
	}
	if err := notify.SendRunSummary(context.Background(), opts.NotifyWebhook, summary); err != nil {
		logger.Logger.Warn("Failed to send run summary", zap.Error(err))
	}
	return runErr
}

// serveStatus runs the status server until ctx is done. A failure such as a
// port already in use is logged when it happens, not after training.
func serveStatus(ctx context.Context, srv *statusserver.Server, addr string) error {
	err := srv.Serve(ctx, addr)
	if err != nil {
		logger.Logger.Error("Status server stopped, training continues without it",
			zap.String("addr", addr), zap.Error(err))
	}
	return err
}

// recorder writes launch events. Storage problems are logged and never stop
// the training.
type recorder struct {
	store *storage.EventStorage
	runID string
}

func newRecorder(spec launch.Spec, runID string) *recorder {
	store, err := storage.NewEventStorage(storage.Dir(spec.Options.WorkDir), spec.Node.NodeRank, 0)
	if err != nil {
		logger.Logger.Error("Failed to init storage, events will not be recorded", zap.Error(err))
	}
	return &recorder{store: store, runID: runID}
}

func (r *recorder) record(typ string, severity int32, msg string, md storage.Metadata) {
	if r.store == nil {
		return
	}
	_, err := r.store.StoreEvent(storage.EventEntry{
		Source:   storage.SourceLauncher,
		Type:     typ,
		RunID:    r.runID,
		Message:  msg,
		Severity: severity,
		Metadata: md,
	})
	if err != nil {
		logger.Logger.Error("Failed to store event", zap.String("type", typ), zap.Error(err))
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0 && !strings.EqualFold(os.Getenv("TERM"), "dumb")
}
