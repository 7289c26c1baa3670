package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/autoloop/internal/breaker"
	"github.com/Iron-Ham/autoloop/internal/classify"
	"github.com/Iron-Ham/autoloop/internal/config"
	"github.com/Iron-Ham/autoloop/internal/heartbeat"
	"github.com/Iron-Ham/autoloop/internal/lock"
	"github.com/Iron-Ham/autoloop/internal/logging"
	"github.com/Iron-Ham/autoloop/internal/promotion"
	"github.com/Iron-Ham/autoloop/internal/runner"
	"github.com/Iron-Ham/autoloop/internal/store"
	"github.com/Iron-Ham/autoloop/internal/supervisor"
	"github.com/Iron-Ham/autoloop/internal/worktree"
)

// lockDirName is the directory under the state dir holding lock records.
const lockDirName = "locks"

// app holds the components shared by every command.
type app struct {
	cfg *config.Config
	// workDir is where the executor and collaborator commands run.
	workDir string
	// repoRoot is empty when workDir is not inside a git repository.
	repoRoot string
	stateDir string

	logger *logging.Logger
	store  *store.FileStore
	locks  *lock.DirProvider
}

// newApp loads the configuration and opens the state directory.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return openApp(cfg)
}

func openApp(cfg *config.Config) (*app, error) {
	workDir := cfg.Runner.WorkDir
	if workDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		workDir = cwd
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, workDir: workDir}
	baseDir := workDir
	if root, err := worktree.FindGitRoot(workDir); err == nil {
		a.repoRoot = root
		baseDir = root
	}
	a.stateDir = cfg.Paths.ResolveStateDir(baseDir)

	a.store, err = store.NewFileStore(a.stateDir)
	if err != nil {
		return nil, err
	}

	var tee io.Writer
	if cfg.Logging.Stderr {
		tee = os.Stderr
	}
	rotation := logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	}
	a.logger, err = logging.NewLoggerWithRotation(a.stateDir, cfg.Logging.Level, rotation, tee)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	a.locks = lock.NewDirProvider(filepath.Join(a.stateDir, lockDirName),
		lock.WithStaleGrace(cfg.Lock.StaleGrace()),
		lock.WithLogger(a.logger.WithComponent("lock")))
	return a, nil
}

func (a *app) Close() error {
	return a.logger.Close()
}

func (a *app) reporter() *heartbeat.Reporter {
	return heartbeat.NewReporter(a.store,
		heartbeat.WithMinInterval(a.cfg.Heartbeat.MinPublishInterval()),
		heartbeat.WithLogger(a.logger.WithComponent("heartbeat")))
}

func (a *app) runner(reporter *heartbeat.Reporter) *runner.Runner {
	rc := a.cfg.Runner
	return runner.New(runner.Config{
		Command:           rc.Command,
		Instruction:       rc.Instruction,
		CompletionMarker:  rc.CompletionMarker,
		Dir:               a.workDir,
		ScratchDir:        filepath.Join(a.stateDir, "scratch"),
		StallTimeout:      rc.StallTimeout(),
		KillGrace:         rc.KillGrace(),
		HeartbeatInterval: a.cfg.Heartbeat.Interval(),
		TailBytes:         rc.TailBytes,
	}, reporter, runner.WithLogger(a.logger.WithComponent("runner")))
}

func (a *app) breaker() *breaker.Breaker {
	pc := a.cfg.Promotion
	return breaker.New(breaker.Config{
		FailureThreshold: pc.Breaker.FailureThreshold,
		OpenDuration:     pc.Breaker.OpenDuration(),
		PolicyRetryMax:   pc.PolicyRetry.Max,
		PolicyRetryDelay: pc.PolicyRetry.Delay(),
	}, a.store, breaker.WithLogger(a.logger.WithComponent("breaker")))
}

func (a *app) git() (*worktree.Git, error) {
	if a.repoRoot == "" {
		return nil, fmt.Errorf("promotion requires a git repository: %s", a.workDir)
	}
	return worktree.NewGit(a.repoRoot), nil
}

// promoter builds the breaker-gated workflow over the repository.
func (a *app) promoter() (*promotion.Promoter, *worktree.Git, error) {
	g, err := a.git()
	if err != nil {
		return nil, nil, err
	}
	pc := a.cfg.Promotion
	baseDir := a.repoRoot
	engine, err := promotion.NewEngine(promotion.Config{
		Remote:            pc.Remote,
		WorktreeDir:       pc.ResolveWorktreeDir(baseDir, a.stateDir),
		GateCommand:       pc.GateCommand,
		ProtectedBranches: pc.ProtectedBranches,
		LockName:          pc.LockName,
	}, g, a.store, a.locks, promotion.WithEngineLogger(a.logger.WithComponent("promotion")))
	if err != nil {
		return nil, nil, err
	}
	p := promotion.NewPromoter(engine, a.breaker(), classify.Default(),
		promotion.WithPromoterLogger(a.logger.WithComponent("promoter")))
	return p, g, nil
}

// agent names this worker, falling back to the host name.
func (a *app) agent() string {
	if a.cfg.Promotion.Agent != "" {
		return a.cfg.Promotion.Agent
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "autoloop"
}

func (a *app) handoff() (*promotion.Handoff, error) {
	p, g, err := a.promoter()
	if err != nil {
		return nil, err
	}
	pc := a.cfg.Promotion
	return promotion.NewHandoff(promotion.HandoffConfig{
		Agent:          a.agent(),
		Target:         pc.TargetBranch,
		SourceTemplate: pc.SourceBranch,
		CoSigners:      pc.CosignerBranches,
		Lanes:          pc.Lanes,
	}, p, g, a.logger.WithComponent("handoff")), nil
}

func (a *app) supervisor() (*supervisor.Supervisor, error) {
	reporter := a.reporter()
	deps := supervisor.Deps{
		Runner:     a.runner(reporter),
		Store:      a.store,
		Locks:      a.locks,
		Heartbeat:  reporter,
		Classifier: classify.Default(),
		Logger:     a.logger.WithComponent("supervisor"),
	}
	if a.cfg.Promotion.Enabled {
		h, err := a.handoff()
		if err != nil {
			return nil, err
		}
		deps.Promoter = h
	}

	c := a.cfg
	return supervisor.New(supervisor.Config{
		BaseDelay:            c.Supervisor.BaseDelay(),
		CompletionDelay:      c.Supervisor.CompletionDelay(),
		MaxRetryableFailures: c.Supervisor.MaxRetryableFailures,
		LockName:             c.Supervisor.LockName,
		Backoff: supervisor.Backoff{
			Base:        c.Backoff.Base(),
			Max:         c.Backoff.Max(),
			JitterRatio: c.Backoff.JitterRatio,
		},
		SelfHealCommand:       c.SelfHeal.Command,
		SelfHealThreshold:     c.SelfHeal.FailureThreshold,
		SelfHealCooldown:      c.SelfHeal.Cooldown(),
		BacklogRefreshCommand: c.Backlog.RefreshCommand,
		TaskMarker:            c.Runner.TaskMarker,
		StateDir:              a.stateDir,
		WorkDir:               a.workDir,
	}, deps), nil
}
