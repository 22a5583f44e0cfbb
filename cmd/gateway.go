package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/opengate-ai/opengate/internal/agent"
	"github.com/opengate-ai/opengate/internal/bootstrap"
	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/internal/channels"
	"github.com/opengate-ai/opengate/internal/channels/discord"
	"github.com/opengate-ai/opengate/internal/channels/telegram"
	"github.com/opengate-ai/opengate/internal/channels/wsbridge"
	"github.com/opengate-ai/opengate/internal/config"
	"github.com/opengate-ai/opengate/internal/cron"
	"github.com/opengate-ai/opengate/internal/gateway"
	"github.com/opengate-ai/opengate/internal/hooks"
	"github.com/opengate-ai/opengate/internal/scheduler"
	"github.com/opengate-ai/opengate/internal/sessions"
	"github.com/opengate-ai/opengate/internal/skills"
	"github.com/opengate-ai/opengate/internal/tools"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.EnsureStateDirs(); err != nil {
		slog.Error("failed to create state directories", "error", err)
		os.Exit(1)
	}

	workspace := cfg.WorkspacePath()
	seeded, err := bootstrap.Seed(workspace, cfg.StatePath())
	if err != nil {
		slog.Warn("bootstrap seeding failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace templates", "files", seeded)
	}

	msgBus := bus.NewMessageBus()
	sessStore := sessions.NewStore(cfg.StatePath())

	links, err := sessions.NewIdentityLinks(cfg.StatePath())
	if err != nil {
		slog.Warn("identity links unavailable", "error", err)
	}

	hooksReg := hooks.NewRegistry()
	skillsLoader := skills.NewLoader(workspace)
	if err := skillsLoader.Reload(); err != nil {
		slog.Warn("skills load failed", "error", err)
	}
	toolsReg := tools.NewRegistry()

	ps, err := buildProviders(cfg)
	if err != nil {
		slog.Error("provider setup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := agent.NewPool()
	aborts := scheduler.NewAbortRegistry()
	queue := scheduler.NewQueue(ctx, aborts)

	defaults := cfg.Agents.Defaults
	runner := &agent.Runner{
		Pool:  pool,
		Store: sessStore,
		Hooks: hooksReg,
		Prompt: &agent.PromptBuilder{
			WorkspaceDir: workspace,
			Hooks:        hooksReg,
			Skills:       skillsLoader,
		},
		Events:   msgBus,
		Aborts:   aborts,
		Tools:    toolsReg,
		Client:   ps.Default(),
		MaxTok:   defaults.MaxTokens,
		Temp:     defaults.Temperature,
		Coalesce: scheduler.DefaultCoalesceInterval,
	}

	dispatcher := newChatDispatcher(queue, aborts, runner, sessStore, pool, ps)

	server := gateway.NewServer(cfg, msgBus, sessStore, dispatcher)
	server.AttachBus()
	defer server.DetachBus()

	channelMgr := channels.NewManager(msgBus)
	gates := registerChannels(cfg, msgBus, channelMgr)
	server.SetChannelManager(channelMgr)

	cronStore := cron.NewStore(cfg.StatePath())
	cronSvc := cron.NewService(cronStore, msgBus, cfg.ResolveDefaultAgentID(),
		makeCronTurnFunc(dispatcher, sessStore, channelMgr))
	server.SetCronService(cronSvc)

	if err := config.Watch(ctx, cfgPath, cfg, func(*config.Config) {
		if err := skillsLoader.Reload(); err != nil {
			slog.Warn("skills reload failed", "error", err)
		}
	}); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		server.Broadcast(protocol.EventShutdown, nil)
		channelMgr.StopAll(context.Background())
		cancel()
	}()

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	slog.Info("opengate gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"providers", ps.Names(),
		"channels", channelMgr.Names(),
		"skills", len(skillsLoader.Enabled(nil)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		if err := cronSvc.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		consumeInbound(gctx, &consumerDeps{
			cfg:      cfg,
			bus:      msgBus,
			store:    sessStore,
			links:    links,
			dispatch: dispatcher,
			gates:    gates,
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// registerChannels builds the adapters enabled in config and returns
// the per-channel group gates used by the inbound consumer.
func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, mgr *channels.Manager) map[string]*channels.GroupGate {
	gates := make(map[string]*channels.GroupGate)
	botName := cfg.ResolveDisplayName(cfg.ResolveDefaultAgentID())

	if tg := cfg.Channels.Telegram; tg.Enabled && tg.Token != "" {
		ch, err := telegram.New(telegram.Config{Token: tg.Token}, msgBus)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.Register(ch)
			gates["telegram"] = &channels.GroupGate{
				AllowFrom:       tg.AllowFrom,
				AlwaysActivate:  tg.AlwaysGroupActivation,
				BotName:         botName,
				MentionPatterns: tg.MentionPatterns,
			}
			slog.Info("telegram channel enabled")
		}
	}

	if dc := cfg.Channels.Discord; dc.Enabled && dc.Token != "" {
		ch, err := discord.New(discord.Config{Token: dc.Token}, msgBus)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			mgr.Register(ch)
			gates["discord"] = &channels.GroupGate{
				AllowFrom:       dc.AllowFrom,
				AlwaysActivate:  dc.AlwaysGroupActivation,
				BotName:         botName,
				MentionPatterns: dc.MentionPatterns,
			}
			slog.Info("discord channel enabled")
		}
	}

	if wb := cfg.Channels.WSBridge; wb.Enabled && wb.URL != "" {
		ch := wsbridge.New(wsbridge.Config{
			Name:  wb.Name,
			URL:   wb.URL,
			Token: wb.Token,
		}, msgBus)
		mgr.Register(ch)
		slog.Info("wsbridge channel enabled", "name", ch.Name())
	}

	return gates
}
