package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/outbox"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey prints an API key and the hash to put in MCP_API_KEYS. An
// empty line generates a fresh key.
func hashKey() {
	fmt.Fprint(os.Stderr, "Enter API key (empty to generate): ")

	key := ""

	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		key = strings.TrimSpace(scanner.Text())
	}

	if key == "" {
		key = auth.GenerateKey()
		fmt.Fprintf(os.Stderr, "Generated key: %s\n", key)
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("push", cfg.PushTransport),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("outbox", cfg.OutboxDir != ""),
	)

	statePath := cfg.StatePath
	if statePath == "" {
		statePath, err = config.DefaultStatePath()
		if err != nil {
			return err
		}
	}

	appState, err := state.LoadAt(statePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	subscriber, closeSubscriber, err := newSubscriber(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSubscriber()

	client := chat.NewClient(cfg.APIURL, cfg.Token, nil)
	out := newPrinter(os.Stdout, cfg.UserID)

	manager := chat.NewManager(chat.SessionConfig{
		Identity: chat.Identity{
			UserID: cfg.UserID,
			Name:   cfg.UserName,
			Avatar: cfg.UserAvatar,
		},
		Backend:                 client,
		Fetcher:                 chat.NewFetcher(client, appState, logger),
		Subscriber:              subscriber,
		PollInterval:            cfg.PollInterval,
		PollMaxBackoff:          cfg.PollMaxBackoff,
		TypingTimeout:           cfg.TypingTimeout,
		TypingBroadcastInterval: cfg.TypingBroadcastInterval,
		MatchTolerance:          cfg.MatchTolerance,
		ReactionSettleWindow:    cfg.ReactionSettleWindow,
		OnView:                  out.view,
		OnTyping:                out.typing,
	}, appState, logger)
	defer manager.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conversationID := cfg.ConversationID
	if conversationID == "" {
		conversationID = appState.ActiveConversation()
	}

	if conversationID == "" {
		logger.Info("no conversation configured, use /open <id>")
	} else {
		out.focus(conversationID)

		if _, err := manager.Open(ctx, conversationID); err != nil {
			return fmt.Errorf("opening conversation: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return newComposer(manager, out, logger).run(gctx, os.Stdin)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, manager, logger)
		})
	}

	if cfg.OutboxDir != "" {
		g.Go(func() error {
			return outbox.New(cfg.OutboxDir, manager, logger.With(slog.String("service", "outbox"))).Watch(gctx)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("chat-sync stopped")

	return nil
}

// newSubscriber builds the push transport selected by PUSH_TRANSPORT.
// The returned func releases it.
func newSubscriber(cfg *config.Config, logger *slog.Logger) (chat.Subscriber, func(), error) {
	pushLogger := logger.With(slog.String("service", "push"))

	switch cfg.PushTransport {
	case config.TransportWebSocket:
		return chat.NewPushClient(cfg.PushURL, cfg.Token, pushLogger), func() {}, nil
	case config.TransportRedis:
		r, err := chat.NewRedisPubSub(cfg.RedisURL, pushLogger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}

		return r, func() { _ = r.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, manager *chat.Manager, logger *slog.Logger) error {
	hashes, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, manager)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	keys := auth.NewKeys(hashes)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", keys.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
