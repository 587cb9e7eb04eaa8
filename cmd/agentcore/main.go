// Command agentcore is the orchestration core's daemon entrypoint: it
// loads config.yaml, wires the lane manager, agent process pool,
// orchestrator, delegation manager, continuation enforcer, background
// task manager, swarm engine, workflow engine, UltraWork state manager,
// and the optional cron/Telegram/OTel integrations, then blocks until
// signaled. Grounded in the teacher's cmd/goclaw/main.go wiring order
// (config -> telemetry -> audit -> bus -> subsystems -> signal wait),
// trimmed of the teacher's interactive-chat-TUI default mode and CLI
// subcommands (skill install, pull, import, doctor) that sit outside
// this core's scope. Any agent configured with backend: wasm gets its
// module loaded into a shared wazero host up front, so the pool picks the
// wasm.Process backend for it instead of spawning a local subprocess;
// wasm_hot_reload: true additionally starts a watcher that recompiles and
// reloads that agent's module whenever its source directory changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bgtask"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/channels"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/continuation"
	"github.com/basket/agentcore/internal/cron"
	"github.com/basket/agentcore/internal/delegation"
	"github.com/basket/agentcore/internal/lane"
	"github.com/basket/agentcore/internal/msgqueue"
	"github.com/basket/agentcore/internal/orchestrator"
	"github.com/basket/agentcore/internal/otelspans"
	"github.com/basket/agentcore/internal/permissions"
	"github.com/basket/agentcore/internal/pool"
	sandboxwasm "github.com/basket/agentcore/internal/sandbox/wasm"
	"github.com/basket/agentcore/internal/swarm"
	"github.com/basket/agentcore/internal/telemetry"
	"github.com/basket/agentcore/internal/ultrawork"
	"github.com/basket/agentcore/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to $AGENTCORE_HOME/config.yaml)")
	homeDir := flag.String("home", "", "data directory (defaults to $AGENTCORE_HOME or ~/.agentcore)")
	flag.Parse()

	if err := run(*configPath, *homeDir); err != nil {
		fmt.Fprintf(os.Stderr, "agentcore: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, homeDir string) error {
	if homeDir == "" {
		homeDir = os.Getenv("AGENTCORE_HOME")
	}
	if homeDir == "" {
		if hd, err := os.UserHomeDir(); err == nil {
			homeDir = filepath.Join(hd, ".agentcore")
		} else {
			homeDir = ".agentcore"
		}
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	var cfg config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.HomeDir = homeDir

	logger, closer, err := telemetry.NewLogger(homeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()
	logger.Info("agentcore starting", "version", Version, "home", homeDir)

	if err := audit.Init(homeDir); err != nil {
		logger.Warn("audit log init failed", "error", err)
	}
	defer audit.Close()

	otelProvider, err := otelspans.Init(context.Background(), otelspans.Config{Enabled: false})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New()

	laneMgr := lane.New(cfg.Lane.MaxConcurrent, time.Duration(cfg.Lane.WaitWarnMs)*time.Millisecond, eventBus)
	// msgQueue backs a future chat-gateway's per-agent mailbox; this daemon's
	// own incoming handler dispatches synchronously through laneMgr instead.
	_ = msgqueue.New(cfg.MessageQueue.MaxSize, time.Duration(cfg.MessageQueue.TTLMinutes)*time.Minute, cfg.MessageQueue.MaxRetries, logger)

	procPool := pool.New(cfg.Pool.DefaultPoolSize, time.Duration(cfg.Pool.IdleTimeoutMs)*time.Millisecond, func(agentID string) int {
		return cfg.PoolSizeFor(agentID)
	})
	procManager := pool.NewManager(procPool, &cfg, nil)
	defer procManager.StopAll()

	var wasmHost *sandboxwasm.Host
	for _, agentCfg := range cfg.EnabledAgents() {
		if agentCfg.Backend != "wasm" {
			continue
		}
		if wasmHost == nil {
			wasmHost, err = sandboxwasm.NewHost(context.Background(), sandboxwasm.Config{Logger: logger})
			if err != nil {
				return fmt.Errorf("init wasm sandbox host: %w", err)
			}
			defer wasmHost.Close(context.Background())
			procManager.SetWasmHost(wasmHost)
		}
		// Command doubles as the .wasm module path for a wasm-backed agent,
		// loaded under its AgentID so wasm.Process can find it by name.
		if err := wasmHost.LoadModuleFromFile(context.Background(), agentCfg.Command); err != nil {
			logger.Warn("failed to load wasm module for agent", "agent_id", agentCfg.AgentID, "path", agentCfg.Command, "error", err)
		}
		// wasm_hot_reload: true watches the module's source directory and
		// recompiles/reloads it under the agent's AgentID on change, for
		// iterating on a wasm agent without restarting the daemon.
		if agentCfg.WasmHotReload {
			watcher := sandboxwasm.NewWatcher(filepath.Dir(agentCfg.Command), wasmHost, logger)
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("failed to start wasm hot-reload watcher", "agent_id", agentCfg.AgentID, "error", err)
			}
		}
	}

	orch := orchestrator.New(&cfg)
	delegationMgr := delegation.NewManager(cfg.EnabledAgents())
	enforcer := continuation.New(cfg.Continuation.MaxRetries, cfg.Continuation.CustomMarkers)

	bgExecutor := func(ctx context.Context, task bgtask.Task) (string, error) {
		agentCfg, ok := cfg.AgentByID(task.AgentID)
		if !ok {
			return "", fmt.Errorf("unknown agent %q", task.AgentID)
		}
		proc, _, err := procManager.GetProcess(ctx, agentCfg, task.ChannelID)
		if err != nil {
			return "", err
		}
		defer procManager.ReleaseProcess(agentCfg, proc)
		return proc.SendMessage(ctx, task.Prompt)
	}
	bgManager := bgtask.New(
		cfg.BackgroundTask.MaxQueueSize, cfg.BackgroundTask.MaxTotalConcurrent,
		cfg.BackgroundTask.MaxConcurrentPerAgent, cfg.BackgroundTask.RetentionCap,
		time.Duration(cfg.BackgroundTask.StaleTimeoutMs)*time.Millisecond, bgExecutor, eventBus,
	)

	swarmDBPath := cfg.Swarm.DBPath
	if swarmDBPath == "" {
		swarmDBPath = filepath.Join(homeDir, "swarm.db")
	}
	swarmDB, err := swarm.Open(swarmDBPath)
	if err != nil {
		return fmt.Errorf("open swarm db: %w", err)
	}
	defer swarmDB.Close()

	swarmRunner := swarm.NewRunner(swarmDB, procManager, func(category string) (config.AgentConfig, bool) {
		return cfg.AgentByID(category)
	}, eventBus, nil, nil)
	if cfg.Swarm.MaxRetries > 0 {
		swarmRunner.SetMaxRetries(cfg.Swarm.MaxRetries)
	}
	if cfg.Swarm.PollMs > 0 {
		swarmRunner.SetPollInterval(time.Duration(cfg.Swarm.PollMs) * time.Millisecond)
	}
	defer swarmRunner.StopAll()

	workflowEngine := workflow.New(eventBus)

	ultraStore := ultrawork.NewStore(cfg.UltraWork.BaseDir)
	ultraPrompt := func(ctx context.Context, session *ultrawork.Session, prompt string) (string, error) {
		agentCfg, ok := cfg.AgentByID(session.LeadAgentID)
		if !ok {
			return "", fmt.Errorf("unknown lead agent %q", session.LeadAgentID)
		}
		proc, _, err := procManager.GetProcess(ctx, agentCfg, session.ChannelID)
		if err != nil {
			return "", err
		}
		defer procManager.ReleaseProcess(agentCfg, proc)
		return proc.SendMessage(ctx, permissions.BuildPermissionPrompt(agentCfg)+"\n\n"+prompt)
	}
	ultraDelegate := func(ctx context.Context, leadAgentID, response string) (bool, error) {
		return false, nil
	}
	ultraManager := ultrawork.NewManager(func(id string) (config.AgentConfig, bool) {
		return cfg.AgentByID(id)
	}, ultraPrompt, ultraDelegate, nil, enforcer, ultraStore)

	var cronScheduler *cron.Scheduler
	if len(cfg.CronJobs) > 0 {
		cronScheduler = cron.NewScheduler(cron.Config{DB: swarmDB, Logger: logger})
		now := time.Now()
		for _, job := range cfg.CronJobs {
			err := cronScheduler.Register(cron.Schedule{
				ID:       job.Name,
				Name:     job.Name,
				CronExpr: job.Schedule,
				Tasks: []cron.TaskTemplate{
					{Description: job.Description, Category: job.Category},
				},
			}, now)
			if err != nil {
				logger.Warn("cron: failed to register job", "name", job.Name, "error", err)
			}
		}
	}

	incoming := func(ctx context.Context, channelID, platform, text string) (string, error) {
		result := orch.Select(orchestrator.Message{
			Content: text, Channel: channelID, IsHuman: true, Now: time.Now(),
		})
		if result.Blocked || len(result.SelectedAgents) == 0 {
			return "", nil
		}
		agentID := result.SelectedAgents[0]
		agentCfg, ok := cfg.AgentByID(agentID)
		if !ok {
			return "", fmt.Errorf("selected unknown agent %q", agentID)
		}

		future := laneMgr.Enqueue(agentCfg.AgentID, func(ctx context.Context) (any, error) {
			proc, _, err := procManager.GetProcess(ctx, agentCfg, channelID)
			if err != nil {
				return nil, err
			}
			defer procManager.ReleaseProcess(agentCfg, proc)
			return proc.SendMessage(ctx, text)
		}, func(waitedMs int64) {
			logger.Warn("lane: long wait before dispatch", "agent_id", agentCfg.AgentID, "waited_ms", waitedMs)
		})

		out, err := future.Wait(ctx)
		if err != nil {
			return "", err
		}
		response, _ := out.(string)
		orch.RecordAgentResponse(agentCfg.AgentID, channelID, time.Now())

		if allowed, reason := delegationMgr.IsDelegationAllowed(agentCfg.AgentID, agentCfg.AgentID); !allowed {
			logger.Debug("delegation self-check denied (expected for non-delegating replies)", "reason", reason)
		}
		enforcer.AnalyzeResponse(agentCfg.AgentID, channelID, response)
		return response, nil
	}

	var telegramChannel *channels.TelegramChannel
	if cfg.Channels.Telegram.Enabled {
		telegramChannel = channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, incoming, logger, eventBus,
		)
	}

	if cronScheduler != nil {
		cronScheduler.Start(ctx)
		defer cronScheduler.Stop()
	}
	if telegramChannel != nil {
		go func() {
			if err := telegramChannel.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	// workflowEngine and ultraManager are exercised by the swarm runner's
	// ExecuteImmediateTask/RunPhasedStep callers (host-triggered, e.g. from
	// a chat command) rather than by the idle daemon loop itself.
	_ = workflowEngine
	_ = ultraManager

	logger.Info("agentcore ready")
	<-ctx.Done()
	logger.Info("agentcore shutting down")
	bgManager.CleanupStale()
	return nil
}
