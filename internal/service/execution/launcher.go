package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/robfig/cron/v3"

	"delegate-server/internal/domain"
	"delegate-server/internal/service/job"
	"delegate-server/internal/service/stream"
	"delegate-server/internal/service/workspace"
)

// Queue selects the next job to run for a server.
type Queue interface {
	FindNextJobToExecute(ctx context.Context, serverID string) (*domain.Job, error)
}

// LauncherConfig configures a Launcher.
type LauncherConfig struct {
	ServerID    string
	Interval    time.Duration // queue polling schedule
	RefreshPoll time.Duration // how often a running job is checked for refresh requests
	StopDelay   time.Duration // grace period between interrupt and kill on cancel
}

// Launcher polls the queue and runs admitted jobs as external processes.
type Launcher struct {
	jobs     domain.JobRepository
	queue    Queue
	products domain.ProductCatalog
	configs  workspace.ConfigurationDecrypter
	planner  *workspace.Planner
	preparer *workspace.Preparer
	throttle *stream.Throttle
	registry *Registry
	cfg      LauncherConfig
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time

	ctx context.Context
	wg  sync.WaitGroup
}

// NewLauncher creates a Launcher.
func NewLauncher(
	jobs domain.JobRepository,
	queue Queue,
	products domain.ProductCatalog,
	configs workspace.ConfigurationDecrypter,
	planner *workspace.Planner,
	preparer *workspace.Preparer,
	throttle *stream.Throttle,
	registry *Registry,
	cfg LauncherConfig,
	logger *slog.Logger,
) *Launcher {
	if cfg.RefreshPoll <= 0 {
		cfg.RefreshPoll = 500 * time.Millisecond
	}
	if cfg.StopDelay <= 0 {
		cfg.StopDelay = 10 * time.Second
	}
	logger = logger.With("component", "launcher", "server_id", cfg.ServerID)
	return &Launcher{
		jobs:     jobs,
		queue:    queue,
		products: products,
		configs:  configs,
		planner:  planner,
		preparer: preparer,
		throttle: throttle,
		registry: registry,
		cfg:      cfg,
		cron:     newCron(logger),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      context.Background(),
	}
}

// Start schedules queue polling. Canceling ctx interrupts running processes.
func (l *Launcher) Start(ctx context.Context) error {
	l.ctx = ctx
	if _, err := l.cron.AddFunc(fmt.Sprintf("@every %s", l.cfg.Interval), l.RunOnce); err != nil {
		return fmt.Errorf("schedule launcher: %w", err)
	}
	l.cron.Start()
	l.logger.Info("launcher started", "interval", l.cfg.Interval)
	return nil
}

// Stop stops polling and waits for launched jobs to be finalized.
func (l *Launcher) Stop() {
	<-l.cron.Stop().Done()
	l.wg.Wait()
	l.logger.Info("launcher stopped")
}

// Wait blocks until every launched job has been finalized.
func (l *Launcher) Wait() { l.wg.Wait() }

// RunOnce launches the next admitted job, if any.
func (l *Launcher) RunOnce() {
	if _, err := l.LaunchNext(l.ctx); err != nil {
		l.logger.Warn("launch pass failed", "error", err)
	}
}

// LaunchNext starts the next job of the configured server. It returns the
// id of the launched job, or "" when nothing was launched.
func (l *Launcher) LaunchNext(ctx context.Context) (string, error) {
	next, err := l.queue.FindNextJobToExecute(ctx, l.cfg.ServerID)
	if err != nil {
		return "", fmt.Errorf("find next job: %w", err)
	}
	if next == nil {
		return "", nil
	}

	handle, runCtx := newProcessHandle(l.ctx)
	if !l.registry.Register(next.ID, handle) {
		handle.finish()
		return "", nil
	}

	started := false
	running, err := job.Update(ctx, l.jobs, next.ID, func(j *domain.Job) (bool, error) {
		started = j.State == domain.JobStateReadyToStart
		if !started {
			return false, nil
		}
		return true, j.TransitionTo(domain.JobStateRunning, l.now())
	})
	if err != nil || !started {
		handle.finish()
		l.registry.Unregister(next.ID)
		return "", err
	}

	l.logger.Info("job started", "job_id", running.ID, "product", running.ProductID)
	l.wg.Add(1)
	go l.run(runCtx, running, handle)
	return running.ID, nil
}

// outcome is the terminal state and result a run ends with.
type outcome struct {
	state  domain.JobState
	result string

	// encryptionOutOfSync is set when the stored configuration failed to decrypt.
	encryptionOutOfSync bool
}

func (l *Launcher) run(runCtx context.Context, j *domain.Job, handle *ProcessHandle) {
	defer l.wg.Done()
	defer l.registry.Unregister(j.ID)

	// Finalization must survive launcher shutdown.
	persistCtx := context.WithoutCancel(l.ctx)
	var ws workspace.Workspace

	out := l.execute(runCtx, persistCtx, j, handle, &ws)
	if handle.Canceled() {
		out = outcome{state: domain.JobStateCanceled, result: out.result}
	}

	// The handle stays cancelable until the outcome is saved, so a
	// reconciliation pass in between cannot overwrite a finished run.
	if err := l.finalize(persistCtx, j.ID, out, ws); err != nil {
		l.logger.Error("finalize job failed", "job_id", j.ID, "state", out.state, "error", err)
	} else {
		l.logger.Info("job finished", "job_id", j.ID, "state", out.state)
	}
	handle.finish()
	if ws.Dir != "" {
		if err := l.preparer.Cleanup(j.ID); err != nil {
			l.logger.Warn("workspace cleanup failed", "job_id", j.ID, "error", err)
		}
	}
}

func (l *Launcher) execute(runCtx, persistCtx context.Context, j *domain.Job, handle *ProcessHandle, ws *workspace.Workspace) outcome {
	failed := func(format string, args ...any) outcome {
		msg := fmt.Sprintf(format, args...)
		l.logger.Warn("job failed", "job_id", j.ID, "reason", msg)
		return outcome{state: domain.JobStateFailed, result: msg}
	}

	product, ok := l.products.Product(j.ProductID)
	if !ok {
		return failed("server does not support product identifier %q", j.ProductID)
	}
	cfg, err := l.configs.DecryptConfiguration(j)
	if err != nil {
		out := failed("read job configuration: %v", err)
		var encErr *domain.EncryptionError
		out.encryptionOutOfSync = errors.As(err, &encErr)
		return out
	}
	plan, err := l.planner.CreatePreparationContext(runCtx, j, product, cfg)
	if err != nil {
		return failed("plan workspace: %v", err)
	}
	prepared, err := l.preparer.Prepare(runCtx, &plan)
	*ws = prepared
	if err != nil {
		if handle.Canceled() {
			return outcome{state: domain.JobStateCanceled}
		}
		return failed("prepare workspace: %v", err)
	}
	if !workspace.CalculateResult(plan).Executable {
		return failed("workspace preparation failed: no accepted input data available for product %s", product.ID)
	}
	if handle.Canceled() {
		return outcome{state: domain.JobStateCanceled}
	}

	runErr := l.runProcess(runCtx, persistCtx, j, product, cfg, plan, prepared)
	result := readResult(prepared.Result)
	if runErr != nil && !handle.Canceled() {
		if result == "" {
			result = runErr.Error()
		}
		return outcome{state: domain.JobStateFailed, result: result}
	}
	return outcome{state: domain.JobStateDone, result: result}
}

func (l *Launcher) runProcess(
	runCtx, persistCtx context.Context,
	j *domain.Job,
	product *domain.Product,
	cfg *domain.JobConfiguration,
	plan workspace.Context,
	ws workspace.Workspace,
) error {
	stdout, err := os.Create(ws.Output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer stdout.Close() //nolint:errcheck
	stderr, err := os.Create(ws.Error)
	if err != nil {
		return fmt.Errorf("create error file: %w", err)
	}
	defer stderr.Close() //nolint:errcheck

	cmd := exec.CommandContext(runCtx, product.Path) //nolint:gosec // path comes from the operator's product catalog
	cmd.Dir = ws.Dir
	cmd.Env = append(os.Environ(), environment(j, product, cfg, plan, ws)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = l.cfg.StopDelay

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", product.Path, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(l.cfg.RefreshPoll)
	defer ticker.Stop()
	for {
		select {
		case err := <-waitCh:
			return err
		case <-ticker.C:
			l.refreshIfRequested(persistCtx, j.ID, ws)
		}
	}
}

// refreshIfRequested copies the current process output into the job when
// a refresh was requested after the last update and the throttle allows it.
func (l *Launcher) refreshIfRequested(ctx context.Context, jobID string, ws workspace.Workspace) {
	current, err := l.jobs.GetByID(ctx, jobID)
	if err != nil {
		l.logger.Warn("load job for stream refresh", "job_id", jobID, "error", err)
		return
	}
	req := current.LastStreamTextRefreshRequest
	if req == nil {
		return
	}
	if current.LastStreamTextUpdate != nil && !req.After(*current.LastStreamTextUpdate) {
		return
	}
	if !l.throttle.IsUpdateNecessaryWhenRefreshRequestedNow(current) {
		return
	}

	output, errText := readTail(ws.Output), readTail(ws.Error)
	_, err = job.Update(ctx, l.jobs, jobID, func(j *domain.Job) (bool, error) {
		if j.State.IsTerminal() {
			return false, nil
		}
		now := l.now()
		j.OutputStreamText = output
		j.ErrorStreamText = errText
		j.LastStreamTextUpdate = &now
		return true, nil
	})
	if err != nil {
		l.logger.Warn("stream refresh failed", "job_id", jobID, "error", err)
	}
}

func (l *Launcher) finalize(ctx context.Context, jobID string, out outcome, ws workspace.Workspace) error {
	output, errText := "", ""
	if ws.Output != "" {
		output, errText = readTail(ws.Output), readTail(ws.Error)
	}
	_, err := job.Update(ctx, l.jobs, jobID, func(j *domain.Job) (bool, error) {
		if j.State.IsTerminal() {
			return false, nil
		}
		now := l.now()
		j.Result = out.result
		if out.encryptionOutOfSync {
			j.EncryptionOutOfSync = true
		}
		if output != "" || errText != "" {
			j.OutputStreamText = output
			j.ErrorStreamText = errText
			j.LastStreamTextUpdate = &now
		}
		return true, j.TransitionTo(out.state, now)
	})
	return err
}

// environment builds the process environment: job metadata, workspace
// paths and every job parameter with optional parameter defaults applied.
func environment(
	j *domain.Job,
	product *domain.Product,
	cfg *domain.JobConfiguration,
	plan workspace.Context,
	ws workspace.Workspace,
) []string {
	env := []string{
		"DELEGATE_JOB_UUID=" + j.ID,
		"DELEGATE_UPSTREAM_JOB_UUID=" + j.UpstreamJobID,
		"DELEGATE_SCAN_TYPE=" + product.ScanType,
		"DELEGATE_JOB_WORKSPACE=" + ws.Dir,
		"DELEGATE_JOB_RESULT_FILE=" + ws.Result,
	}
	if plan.SourceExtracted {
		env = append(env, "DELEGATE_JOB_SOURCE_FOLDER="+ws.SourceDir)
	}
	if plan.BinaryExtracted {
		env = append(env, "DELEGATE_JOB_BINARY_FOLDER="+ws.BinaryDir)
	}

	params := map[string]string{}
	for _, p := range product.OptionalParameters {
		if p.Default != "" {
			params[p.Key] = p.Default
		}
	}
	for _, p := range cfg.Parameters {
		if p.Key == workspace.ParamUpstreamModel {
			continue
		}
		params[p.Key] = p.Value
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, envName(k)+"="+params[k])
	}
	return env
}

// envName turns a parameter key such as "scan.target.language" into
// SCAN_TARGET_LANGUAGE.
func envName(key string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, key)
}

// readTail returns the most recent stream text of the file at path.
func readTail(path string) string {
	f, err := os.Open(path) //nolint:gosec // path is inside the job workspace
	if err != nil {
		return ""
	}
	defer f.Close() //nolint:errcheck

	// Four bytes per character bounds the read for any UTF-8 text.
	const maxBytes = stream.MaxStreamTextLength * 4
	if info, err := f.Stat(); err == nil && info.Size() > maxBytes {
		if _, err := f.Seek(-maxBytes, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return stream.Truncate(strings.ToValidUTF8(string(data), ""))
}

func readResult(path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // path is inside the job workspace
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Sprintf("read result file: %v", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}
