package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bojand/hri"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/castaneai/ticketregistry"
	"github.com/castaneai/ticketregistry/pkg/config"
	"github.com/castaneai/ticketregistry/pkg/ticket"
	"github.com/castaneai/ticketregistry/pkg/trlog"
)

func main() {
	flags := pflag.NewFlagSet("ticketregistry", pflag.ExitOnError)
	envFile := flags.String("env-file", ".env", "env file read before the process environment")
	once := flags.Bool("once", false, "run a single cleanup cycle and exit")
	development := flags.Bool("development", false, "human readable debug logging")
	_ = flags.Parse(os.Args[1:])

	logger, err := newLogger(*development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %+v\n", err)
		os.Exit(1)
	}
	trlog.SetLogger(logger)

	ctx, shutdown := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, *envFile, *once)
	shutdown()
	if err != nil {
		trlog.Errorf("%+v", err)
		_ = trlog.Sync()
		os.Exit(1)
	}
	_ = trlog.Sync()
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, envFile string, once bool) error {
	holder, err := config.NewHolder(envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	conf := holder.Current()

	if !once {
		if err := setMeterProvider(); err != nil {
			return err
		}
	}

	redis := &redisConn{conf: conf}
	defer redis.Close()
	store, err := newTicketStore(ctx, conf, redis)
	if err != nil {
		return fmt.Errorf("failed to create ticket store: %w", err)
	}
	catalog, err := loadCatalog(conf)
	if err != nil {
		return fmt.Errorf("failed to load ticket catalog: %w", err)
	}
	clock := clockwork.NewRealClock()
	registry, err := ticketregistry.NewTicketRegistry(ctx, store, catalog,
		ticketregistry.WithRegistryClock(clock),
		ticketregistry.WithDropOnStartup(conf.DropCollection),
		ticketregistry.WithRegistryConfig(holder))
	if err != nil {
		return fmt.Errorf("failed to create ticket registry: %w", err)
	}
	locker, err := newLockStrategy(ctx, conf, redis, clock)
	if err != nil {
		return fmt.Errorf("failed to create cleaner lock: %w", err)
	}

	nodeName := conf.NodeName
	if nodeName == "" {
		nodeName = hri.Random()
	}
	owner := fmt.Sprintf("%s-%s", nodeName, uuid.NewString())
	logout := ticketregistry.NewRegistryLogoutManager(registry, ticketregistry.ServiceNotifierFunc(logLogout))
	cleaner, err := ticketregistry.NewCleaner(conf.CleanerEnabled, locker, logout, registry,
		ticketregistry.WithCleanerOwner(owner),
		ticketregistry.WithCleanerConfig(holder))
	if err != nil {
		return fmt.Errorf("failed to create cleaner: %w", err)
	}
	scheduler, err := ticketregistry.NewScheduler(cleaner, ticketregistry.ScheduleSpec(conf.CleanerCron, conf.CleanerInterval))
	if err != nil {
		return err
	}
	trlog.Infof("ticket registry started (node: %s, backend: %s, lock: %s, ticket types: %v)",
		owner, conf.Backend, conf.LockBackend, catalog.Names())

	if once {
		return scheduler.RunOnce(ctx)
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return scheduler.Start(ctx) })
	eg.Go(func() error { return watchReload(ctx, holder) })
	eg.Go(func() error { return serveMetrics(ctx, conf.MetricsAddr) })
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logLogout(ctx context.Context, service string, st *ticket.Ticket) error {
	trlog.Infof("logout of %s (ticket: %s, granted by: %s)", service, st.ID, st.ParentID)
	return nil
}

// watchReload swaps in a fresh configuration snapshot on SIGHUP.
func watchReload(ctx context.Context, holder *config.Holder) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hup:
			conf, err := holder.Reload()
			if err != nil {
				trlog.Errorf("failed to reload config; keeping the current one: %+v", err)
				continue
			}
			trlog.Infof("config reloaded (lease: %s, scan batch size: %d)", conf.LockLease, conf.ScanBatchSize)
		}
	}
}

func setMeterProvider() error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	otel.SetMeterProvider(metric.NewMeterProvider(metric.WithReader(exporter)))
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	trlog.Infof("prometheus endpoint (/metrics) is listening on %s...", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve prometheus endpoint: %w", err)
	}
	return ctx.Err()
}
