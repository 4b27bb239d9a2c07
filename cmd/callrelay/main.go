package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codewandler/callrelay-go"
	"github.com/codewandler/callrelay-go/internal/mcp"
	"github.com/codewandler/callrelay-go/store"
	"github.com/codewandler/callrelay-go/store/postgres"
	"github.com/codewandler/callrelay-go/tool"
	"github.com/codewandler/callrelay-go/upstream"
)

const version = "0.1.0"

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		addr            = envOr("CALLRELAY_ADDR", ":8080")
		databaseURL     = envOr("DATABASE_URL", "")
		apiKey          = envOr(upstream.ApiKeyEnvVarNameLong, os.Getenv(upstream.ApiKeyEnvVarNameShort))
		apiURL          = upstream.DefaultURL
		model           = upstream.DefaultModel
		mcpURL          = envOr("MCP_URL", "")
		idleTimeout     = 300 * time.Second
		initTimeout     = callrelay.DefaultInitTimeout
		dispatchTimeout = callrelay.DefaultDispatchTimeout
		holdingMessage  = ""
		audioEvents     = false
		debug           = false
	)

	flag.StringVar(&addr, "addr", addr, "listen address")
	flag.StringVar(&databaseURL, "database-url", databaseURL, "postgres connection string, in-memory store when empty")
	flag.StringVar(&apiKey, "openai-key", apiKey, "voice api key")
	flag.StringVar(&apiURL, "openai-url", apiURL, "voice api websocket url")
	flag.StringVar(&model, "model", model, "default voice api model")
	flag.StringVar(&mcpURL, "mcp-url", mcpURL, "MCP server whose tools are offered to every agent")
	flag.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "end calls without activity, 0 disables")
	flag.DurationVar(&initTimeout, "init-timeout", initTimeout, "max wait for the voice api session and the media stream")
	flag.DurationVar(&dispatchTimeout, "dispatch-timeout", dispatchTimeout, "max duration of a function call")
	flag.StringVar(&holdingMessage, "holding-message", holdingMessage, "instructions for a short response before running a function")
	flag.BoolVar(&audioEvents, "audio-events", audioEvents, "also log audio messages in the event log")
	flag.BoolVar(&debug, "debug", debug, "enable debug logs")
	flag.Parse()

	if debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, databaseURL, logger)
	if err != nil {
		logger.Error("failed to open store", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeStore()

	registry := tool.NewRegistry()
	tool.RegisterBuiltins(registry, time.Now)

	if mcpURL != "" {
		client := mcp.NewClientWrapper("callrelay", version, logger)
		if err := client.ConnectURL(ctx, mcpURL, nil); err != nil {
			logger.Error("failed to connect mcp server", slog.String("url", mcpURL), slog.Any("err", err))
			os.Exit(1)
		}
		defer client.Close()

		names, err := tool.RegisterMCPTools(ctx, registry, client.Session())
		if err != nil {
			logger.Error("failed to list mcp tools", slog.Any("err", err))
			os.Exit(1)
		}
		logger.Info("mcp tools registered", slog.Any("tools", names))
	}

	server := callrelay.NewServer(st,
		callrelay.WithLogger(logger),
		callrelay.WithRegistry(registry),
		callrelay.WithIdleTimeout(idleTimeout),
		callrelay.WithInitTimeout(initTimeout),
		callrelay.WithDispatchTimeout(dispatchTimeout),
		callrelay.WithHoldingMessage(holdingMessage),
		callrelay.WithAudioEvents(audioEvents),
		callrelay.WithCredentialCheck(func() bool { return apiKey != "" }),
		callrelay.WithUpstreamDialer(callrelay.DialUpstream(
			upstream.WithKey(apiKey),
			upstream.WithURL(apiURL),
			upstream.WithModel(model),
			upstream.WithLogger(logger),
		)),
	)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.Any("err", err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("calls did not end in time", slog.Any("err", err))
	}
}

func openStore(ctx context.Context, databaseURL string, logger *slog.Logger) (store.Store, func(), error) {
	if databaseURL == "" {
		logger.Warn("no database configured, records are kept in memory")
		return store.NewMemory(), func() {}, nil
	}

	pg, err := postgres.Open(ctx, databaseURL, postgres.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureDefaultAgent(ctx, store.DefaultAgent()); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
