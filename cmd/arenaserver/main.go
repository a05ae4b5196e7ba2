// Package main provides the arena server binary: framed TCP and WebSocket
// frontends for players, and the admin gRPC service for operators.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/admin"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/frontend/handlers"
	"github.com/cory-johannsen/arena/internal/frontend/tcp"
	"github.com/cory-johannsen/arena/internal/frontend/websocket"
	"github.com/cory-johannsen/arena/internal/game/lobby"
	"github.com/cory-johannsen/arena/internal/game/reservation"
	"github.com/cory-johannsen/arena/internal/game/rules"
	"github.com/cory-johannsen/arena/internal/game/session"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/protocol"
	"github.com/cory-johannsen/arena/internal/scripting"
	"github.com/cory-johannsen/arena/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty uses defaults and ARENA_ environment overrides")
	pluginDir := flag.String("plugins", "", "directory of Lua rule plugin manifests; overrides game.plugin_dir")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *pluginDir != "" {
		cfg.Game.PluginDir = *pluginDir
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("initializing tracing", zap.Error(err))
	}

	// Load rule plugins
	plugins := rules.NewRegistry()
	if cfg.Game.PluginDir != "" {
		loadStart := time.Now()
		loaded, err := scripting.LoadDir(cfg.Game.PluginDir, cfg.Game.InstructionLimit, logger)
		if err != nil {
			logger.Fatal("loading plugins", zap.String("dir", cfg.Game.PluginDir), zap.Error(err))
		}
		for _, p := range loaded {
			if err := plugins.Register(p); err != nil {
				logger.Fatal("registering plugin", zap.String("plugin", p.ID()), zap.Error(err))
			}
		}
		logger.Info("plugins loaded",
			zap.Strings("plugins", plugins.IDs()),
			zap.Duration("elapsed", time.Since(loadStart)),
		)
	}
	if len(plugins.IDs()) == 0 {
		logger.Warn("no rule plugins loaded; players cannot create rooms")
	}

	lb, err := lobby.New(lobby.Config{
		Plugins:      plugins,
		Reservations: reservation.NewRegistry(),
		DefaultPolicy: rules.TimeoutPolicy{
			Turn:  cfg.Game.TurnTimeout,
			Grace: cfg.Game.TimeoutGrace,
		},
		ClosedRoomMemory: cfg.Game.ClosedRoomMemory,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal("creating lobby", zap.Error(err))
	}
	lb.OnGameOver(func(res rules.Result) {
		logger.Info("game finished",
			zap.String("room", res.RoomID),
			zap.String("plugin", res.PluginID),
			zap.Bool("regular", res.Regular()),
		)
	})
	sessions := session.NewRegistry(cfg.Game.OutboxSize)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	tcpCodec, err := protocol.NewCodec(cfg.TCP.Codec, cfg.TCP.MaxFrameSize)
	if err != nil {
		logger.Fatal("creating tcp codec", zap.Error(err))
	}
	acceptor := tcp.NewAcceptor(cfg.TCP, tcpCodec,
		handlers.NewSessionHandler(lb, sessions, "tcp", logger), logger)
	lifecycle.AddFunc("tcp", acceptor.ListenAndServe, acceptor.Stop)

	if cfg.WebSocket.Enabled {
		wsCodec, err := protocol.NewCodec(cfg.WebSocket.Codec, cfg.TCP.MaxFrameSize)
		if err != nil {
			logger.Fatal("creating websocket codec", zap.Error(err))
		}
		wsHandler := websocket.NewHandler(wsCodec,
			handlers.NewSessionHandler(lb, sessions, "websocket", logger),
			int64(cfg.TCP.MaxFrameSize), cfg.TCP.WriteTimeout, logger)
		wsServer := websocket.NewServer(cfg.WebSocket, wsHandler, logger)
		lifecycle.AddFunc("websocket", wsServer.ListenAndServe, wsServer.Stop)
	}

	adminServer := admin.NewServer(cfg.Admin, admin.NewService(lb, logger), logger)
	lifecycle.AddFunc("admin", adminServer.ListenAndServe, adminServer.Stop)

	lifecycle.OnShutdown(shutdownTracing)

	logger.Info("arena server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("tcp_addr", cfg.TCP.Addr()),
		zap.String("admin_addr", cfg.Admin.Addr()),
		zap.Bool("websocket", cfg.WebSocket.Enabled),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}
