package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/certchain/issuer"
	"github.com/spacemeshos/certchain/keystore"
	"github.com/spacemeshos/certchain/ledger"
	"github.com/spacemeshos/certchain/logging"
)

var (
	chainValidMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "certchain",
		Subsystem: "server",
		Name:      "chain_valid",
		Help:      "1 if the last chain audit found no violations, 0 otherwise",
	})

	auditViolationsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "certchain",
		Subsystem: "server",
		Name:      "audit_violations",
		Help:      "Number of violations found by the last chain audit",
	})
)

// Server owns the ledger database, the keystore and the services built on
// top of them.
type Server struct {
	cfg    Config
	store  *ledger.LevelDBStore
	ledger *ledger.Ledger
	issuer *issuer.Issuer

	metricsListener net.Listener
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	for _, dir := range []string{cfg.DataDir, cfg.DbDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	store, err := ledger.NewLevelDBStore(filepath.Join(cfg.DbDir, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	s := &Server{cfg: cfg, store: store}

	s.ledger, err = ledger.New(ctx, store, ledger.WithGenesisMessage(cfg.Ledger.GenesisMessage))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	keys, err := keystore.New(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		store.Close()
		return nil, err
	}
	s.issuer, err = issuer.New(s.ledger, keys, issuer.WithConfig(cfg.Issuer))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating issuer: %w", err)
	}

	if cfg.MetricsPort != nil {
		s.metricsListener, err = net.Listen("tcp", fmt.Sprintf(":%d", *cfg.MetricsPort))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to listen: %v", err)
		}
	}
	return s, nil
}

func (s *Server) Close() error {
	var result *multierror.Error
	if s.metricsListener != nil {
		if err := s.metricsListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	if err := s.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

func (s *Server) Issuer() *issuer.Issuer {
	return s.issuer
}

// MetricsAddr returns the address metrics are served on, nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// Start audits the chain periodically and serves metrics until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	serverGroup, ctx := errgroup.WithContext(ctx)
	logger := logging.FromContext(ctx)

	logger.Info("starting chain audit", zap.Duration("interval", s.cfg.Ledger.AuditInterval))
	serverGroup.Go(func() error {
		return s.auditLoop(ctx)
	})

	var server *http.Server
	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics server listening on %s", s.metricsListener.Addr())
			err := server.Serve(s.metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown servers: %s", err)
		return err
	}
	return nil
}

func (s *Server) auditLoop(ctx context.Context) error {
	interval := s.cfg.Ledger.AuditInterval
	if interval <= 0 {
		interval = defaultAuditInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.audit(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// audit runs one full chain audit and publishes its outcome.
func (s *Server) audit(ctx context.Context) int {
	logger := logging.FromContext(ctx)
	err := s.ledger.Audit(ctx)
	if err == nil {
		chainValidMetric.Set(1)
		auditViolationsMetric.Set(0)
		logger.Debug("chain audit passed", zap.Int("height", s.ledger.Height()))
		return 0
	}

	violations := []error{err}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		violations = merr.Errors
	}
	for _, v := range violations {
		logger.Error("chain integrity violation", zap.Error(v))
	}
	chainValidMetric.Set(0)
	auditViolationsMetric.Set(float64(len(violations)))
	return len(violations)
}
