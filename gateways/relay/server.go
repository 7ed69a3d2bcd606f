package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	config "github.com/echowrite/relay/config/relay"
	"github.com/echowrite/relay/gateways/relay/clients/assemblyai"
	stripeClient "github.com/echowrite/relay/gateways/relay/clients/stripe"
	"github.com/echowrite/relay/gateways/relay/handler"
	relays "github.com/echowrite/relay/gateways/relay/relay"
	"github.com/echowrite/relay/pkg/audio"
	"github.com/echowrite/relay/pkg/logger"
	"github.com/echowrite/relay/services/quota/storage"
	"github.com/echowrite/relay/services/quota/usecase"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	store    storage.Storage
	registry *relays.Registry
	health   *health.Server
	handler  *handler.Handler
}

func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Server, error) {
	log.Info("creating new relay server")
	log.Debug("server config",
		slog.Int("port", cfg.Port),
		slog.Int("grpc_port", cfg.GRPCPort),
		slog.String("store_driver", cfg.StoreDriver),
		slog.Bool("billing_configured", cfg.Billing.Enabled()))

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	opts := []usecase.Option{}
	var payments handler.Payments
	if cfg.Billing.Enabled() {
		packs, err := cfg.Billing.Packs()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to parse price packs: %w", err)
		}
		billing := stripeClient.New(stripeClient.Config{
			SecretKey:     cfg.Billing.SecretKey,
			WebhookSecret: cfg.Billing.WebhookSecret,
			SuccessURL:    cfg.Billing.SuccessURL,
			CancelURL:     cfg.Billing.CancelURL,
		})
		opts = append(opts, usecase.WithBilling(billing, packs))
		payments = billing
		log.Info("stripe billing enabled", slog.Int("packs", len(packs)))
	}

	uc := usecase.New(store, logger.Component(log, "quota"), opts...)
	if uc.BillingEnabled() {
		hs.SetServingStatus(handler.BillingService, healthpb.HealthCheckResponse_SERVING)
	} else {
		hs.SetServingStatus(handler.BillingService, healthpb.HealthCheckResponse_NOT_SERVING)
		log.Warn("billing disabled, checkout and webhook routes will answer 503")
	}

	dialer := assemblyai.New(assemblyai.Config{
		APIKey:      cfg.AssemblyAI.APIKey,
		URL:         cfg.AssemblyAI.URL,
		SampleRate:  audio.TargetSampleRate,
		FormatTurns: true,
	})

	registry := relays.NewRegistry(logger.Component(log, "registry"))
	h := handler.New(cfg, handler.Deps{
		Usecase:  uc,
		Payments: payments,
		Dialer:   dialer,
		Registry: registry,
		Health:   hs,
	}, logger.Component(log, "handler"))

	log.Info("relay server instance created successfully")
	return &Server{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: registry,
		health:   hs,
		handler:  h,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory quota store, balances are lost on restart")
		return storage.NewMemory(), nil
	}

	log.Debug("connecting to postgres", slog.String("host", cfg.Database.Host), slog.String("db", cfg.Database.Name))
	store, err := storage.OpenPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open quota store: %w", err)
	}
	log.Info("postgres quota store ready")
	return store, nil
}

func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting relay server")

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	// No write timeout: stream responses are long-lived websockets.
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	serverErrors := make(chan error, 2)

	if s.cfg.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen for grpc: %w", err)
		}
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, s.health)

		go func() {
			s.log.Info("grpc health server started", slog.String("address", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				serverErrors <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	go func() {
		s.log.Info("relay gateway started", slog.String("address", srv.Addr))
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ListenAndServe error", slog.String("error", err.Error()))
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var serveErr error
	select {
	case err := <-serverErrors:
		s.log.Error("server error received", slog.String("error", err.Error()))
		serveErr = fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		s.log.Info("start shutdown", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.log.Info("closing server due to context cancellation")
	}

	if err := s.shutdown(srv, grpcSrv); err != nil {
		return errors.Join(serveErr, err)
	}
	if serveErr != nil {
		return serveErr
	}
	s.log.Info("server stopped cleanly")
	return nil
}

// shutdown stops accepting connections, ends every live relay so usage is
// committed, then releases the store.
func (s *Server) shutdown(srv *http.Server, grpcSrv *grpc.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.health.Shutdown()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed", slog.String("error", err.Error()))
		s.log.Warn("forcing server close")
		srv.Close()
		errs = append(errs, fmt.Errorf("failed to gracefully shutdown server: %w", err))
	}

	// Hijacked websocket connections are not tracked by http.Server.
	if err := s.registry.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close relays: %w", err))
	}

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close quota store: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.log.Info("server shutdown completed successfully")
	return nil
}
