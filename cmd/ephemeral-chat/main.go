package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/ephemeral-chat/chat"
	"github.com/ggoodman/ephemeral-chat/chathttp"
	"github.com/ggoodman/ephemeral-chat/internal/config"
	"github.com/ggoodman/ephemeral-chat/internal/logctx"
	"github.com/ggoodman/ephemeral-chat/internal/policyfile"
	"github.com/ggoodman/ephemeral-chat/rooms"
	"github.com/ggoodman/ephemeral-chat/rooms/memoryhost"
	"github.com/ggoodman/ephemeral-chat/rooms/redishost"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ephemeral-chat",
		Short:        "Ephemeral chat rooms over WebSocket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cmd.ErrOrStderr())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server (configured from the environment)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cmd.ErrOrStderr())
		},
	}

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Room lifetime policy tools",
	}
	policyCmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Validate a lifetime policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policyfile.Load(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: min=%s max=%s default=%s\n", p.Min, p.Max, p.Default)
			return err
		},
	})

	root.AddCommand(serveCmd, policyCmd)
	return root
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func openHost(cfg config.Config) (rooms.Host, error) {
	switch cfg.RoomStore {
	case config.StoreMemory:
		return memoryhost.New(), nil
	default:
		return redishost.New(cfg.Redis)
	}
}

func serve(ctx context.Context, logOut io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg, logOut)

	host, err := openHost(cfg)
	if err != nil {
		log.Error("room store unavailable", slog.String("store", cfg.RoomStore), slog.Any("err", err))
		return err
	}
	defer func() { _ = host.Close() }()

	policy := cfg.Policy()
	if cfg.PolicyFile != "" {
		if policy, err = policyfile.Load(cfg.PolicyFile); err != nil {
			return err
		}
	}

	mgr, err := rooms.NewManager(host,
		rooms.WithLogger(log),
		rooms.WithKeyPrefix(cfg.KeyPrefix),
		rooms.WithLifetimePolicy(policy),
	)
	if err != nil {
		return err
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	engine := chat.NewEngine(mgr, chat.NewRegistry(),
		chat.WithLogger(log),
		chat.WithNodeID(nodeID),
		chat.WithSweepInterval(cfg.ExpirySweep),
	)

	handler, err := chathttp.NewHandler(mgr, engine,
		chathttp.WithLogger(log),
		chathttp.WithAllowedOrigins(cfg.AllowedOrigins...),
		chathttp.WithSendBuffer(cfg.SendBuffer),
		chathttp.WithPingInterval(cfg.PingInterval),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening",
			slog.String("addr", cfg.Addr),
			slog.String("store", cfg.RoomStore),
			slog.String("node_id", nodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown incomplete", slog.Any("err", err))
		}
		if err := handler.CloseConnections(shutdownCtx); err != nil {
			log.Warn("websocket shutdown incomplete", slog.Any("err", err))
		}
		return nil
	})

	g.Go(func() error { return ignoreCanceled(engine.RunRelay(gctx)) })
	g.Go(func() error { return ignoreCanceled(engine.RunExpirySweeper(gctx)) })

	if cfg.PolicyFile != "" {
		g.Go(func() error {
			return ignoreCanceled(policyfile.Watch(gctx, cfg.PolicyFile, mgr.SetPolicy, log))
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("server stopped", slog.Any("err", err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
