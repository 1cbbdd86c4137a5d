// Package service wires every configured chain's Syncer, Processor and
// Cron schedulers around the shared store/bus/lease infrastructure and
// supervises their lifetime, following the teacher's
// cmd/indexer/main.go (config load -> client construction -> component
// wiring -> metrics/health servers -> signal-driven shutdown)
// generalized from one fixed chain to the descriptor-driven chain set
// spec §4.J calls for.
package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/internal/abidecoder"
	"github.com/kyomei-indexer/kyomei/internal/bus"
	"github.com/kyomei-indexer/kyomei/internal/chain"
	"github.com/kyomei-indexer/kyomei/internal/config"
	"github.com/kyomei-indexer/kyomei/internal/cron"
	"github.com/kyomei-indexer/kyomei/internal/dbctx"
	"github.com/kyomei-indexer/kyomei/internal/leasestore"
	"github.com/kyomei-indexer/kyomei/internal/processor"
	"github.com/kyomei-indexer/kyomei/internal/rpccache"
	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/internal/syncer"
	"github.com/kyomei-indexer/kyomei/pkg/handlerapi"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// HandlerSetup registers one chain's event handlers against reg. It is
// called once per configured chain, so the same handler package (e.g.
// examples/handlers) can be shared across chains indexing the same
// contracts.
type HandlerSetup func(reg *handlerapi.Registry) error

// CronHandlers supplies the Go function backing each configured cron
// job, keyed by job name.
type CronHandlers map[string]cron.Func

// bus retention and graceful-shutdown budget. Not exposed as Settings
// fields since nothing in spec §6 calls for tuning them per deployment.
const (
	notificationRetention = 7 * 24 * time.Hour
	shutdownGrace         = 10 * time.Second
)

// chainRuntime bundles one chain's wired components.
type chainRuntime struct {
	desc      models.ChainDescriptor
	source    chain.Source
	syncer    *syncer.Syncer
	processor *processor.Processor
	crons     []*cron.Scheduler
}

func (rt *chainRuntime) healthy() bool {
	return rt.source.IsHealthy() && rt.syncer.Healthy() && rt.processor.Healthy()
}

// Runner supervises every configured chain's components plus the
// shared store/bus/lease infrastructure and the metrics/health HTTP
// servers (spec §4.J).
type Runner struct {
	settings    *config.Settings
	descriptors *config.Descriptors
	store       *store.Store
	bus         *bus.Bus
	lease       *leasestore.Store
	chains      []*chainRuntime
	logger      zerolog.Logger

	metricsSrv *http.Server
	healthSrv  *http.Server
}

// New connects to Postgres, the notification bus and the local lease
// cache, migrates the schema, and wires one chainRuntime per
// descriptor. Any failure here is a configuration or storage error
// (spec §6's exit codes 1/2), never a running-service error.
func New(ctx context.Context, settings *config.Settings, descriptors *config.Descriptors, handlerSetup HandlerSetup, cronHandlers CronHandlers, logger zerolog.Logger) (*Runner, error) {
	st, err := store.Open(ctx, settings.DatabaseConnectionString, settings.Schemas, settings.DBPoolMaxConns, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	b, err := bus.Connect(settings.NATSURL, notificationRetention, "KYOMEI", logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	lease, err := leasestore.Open(settings.LeaseStorePath)
	if err != nil {
		b.Close()
		st.Close()
		return nil, fmt.Errorf("open lease store: %w", err)
	}

	r := &Runner{settings: settings, descriptors: descriptors, store: st, bus: b, lease: lease, logger: logger}

	for _, chainDesc := range descriptors.Chains {
		rt, err := r.wireChain(ctx, chainDesc, handlerSetup, cronHandlers)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("wire chain %q: %w", chainDesc.Name, err)
		}
		r.chains = append(r.chains, rt)
	}

	r.metricsSrv = &http.Server{Addr: settings.MetricsAddress, Handler: promhttp.Handler()}
	r.healthSrv = &http.Server{Addr: settings.HealthAddress, Handler: http.HandlerFunc(r.healthHandler)}

	return r, nil
}

// startBlockFor returns the earliest configured StartBlock across
// contracts, or 0 (genesis) if none override it.
func startBlockFor(contracts []models.ContractDescriptor) uint64 {
	var min uint64
	first := true
	for _, c := range contracts {
		if c.StartBlock == 0 {
			continue
		}
		if first || c.StartBlock < min {
			min = c.StartBlock
			first = false
		}
	}
	return min
}

// wireChain dials the chain's Block Source and builds its ABI registry,
// Cached RPC Client, handler registry, Processor, Syncer and cron
// schedulers. contracts/factories are scoped to this chain so the
// Syncer and Processor agree on exactly the same static/dynamic set.
func (r *Runner) wireChain(ctx context.Context, chainDesc models.ChainDescriptor, handlerSetup HandlerSetup, cronHandlers CronHandlers) (*chainRuntime, error) {
	contracts := r.descriptors.ContractsForChain(chainDesc.ChainID)

	abiReg := abidecoder.NewRegistry()
	for _, c := range contracts {
		if len(c.ABI.RawJSON) == 0 {
			continue
		}
		parsed, err := abidecoder.Parse(c.Name, c.ABI.RawJSON)
		if err != nil {
			return nil, fmt.Errorf("contract %q: %w", c.Name, err)
		}
		abiReg.Register(parsed)
	}

	source, err := chain.New(chainDesc, r.logger)
	if err != nil {
		return nil, fmt.Errorf("dial source: %w", err)
	}

	rpcClient := rpccache.New(chainDesc.ChainID, source.HTTPClient(), r.store)

	appDBReg := dbctx.NewRegistry(r.store.Pool, r.store.Schemas.App)

	validator := processor.NewValidator(contracts, abiReg)
	handlers := handlerapi.NewRegistry(validator)
	if handlerSetup != nil {
		if err := handlerSetup(handlers); err != nil {
			source.Close()
			return nil, fmt.Errorf("register handlers: %w", err)
		}
	}

	proc := processor.New(
		chainDesc.ChainID,
		r.store.Schemas.App,
		contracts,
		r.store,
		r.bus,
		abiReg,
		handlers,
		rpcClient,
		appDBReg,
		processor.Config{StartBlock: startBlockFor(contracts)},
		r.logger,
	)

	factories := make([]models.FactoryDescriptor, 0, len(r.descriptors.Factories))
	for _, f := range r.descriptors.Factories {
		factories = append(factories, f)
	}
	sy := syncer.New(
		chainDesc,
		contracts,
		factories,
		source,
		r.store,
		r.bus,
		r.lease,
		abiReg,
		syncer.Config{
			StartBlock:   startBlockFor(contracts),
			PollInterval: chainDesc.PollingInterval,
		},
		r.logger,
	)

	crons, err := r.wireCrons(chainDesc, contracts, abiReg, rpcClient, appDBReg, source, cronHandlers)
	if err != nil {
		source.Close()
		return nil, err
	}

	return &chainRuntime{desc: chainDesc, source: source, syncer: sy, processor: proc, crons: crons}, nil
}

// wireCrons builds one Scheduler per cron job descriptor bound to this
// chain. Jobs with Schema == "dedicated" get their own dbctx.Registry
// against the crons schema instead of the application schema.
func (r *Runner) wireCrons(chainDesc models.ChainDescriptor, contracts []models.ContractDescriptor, abiReg *abidecoder.Registry, rpcClient *rpccache.Client, appDBReg *dbctx.Registry, source chain.Source, cronHandlers CronHandlers) ([]*cron.Scheduler, error) {
	cronRPC := processor.NewRPCAdapterForContracts(rpcClient, abiReg, contracts)
	dedicatedDBReg := dbctx.NewRegistry(r.store.Pool, r.store.Schemas.Crons)

	blocks := func(ctx context.Context) (uint64, error) {
		return source.GetLatestBlockNumber(ctx)
	}

	var out []*cron.Scheduler
	for _, job := range r.descriptors.Crons {
		if job.ChainID != chainDesc.ChainID {
			continue
		}
		fn, ok := cronHandlers[job.Name]
		if !ok {
			return nil, fmt.Errorf("cron %q: no handler function registered", job.Name)
		}

		schema := r.store.Schemas.App
		dbReg := appDBReg
		if job.Schema == "dedicated" {
			schema = r.store.Schemas.Crons
			dbReg = dedicatedDBReg
		}

		out = append(out, cron.New(job, r.store, schema, dbReg, cronRPC, blocks, fn, r.logger))
	}
	return out, nil
}

// Start runs every chain's Syncer, Processor and cron schedulers plus
// the metrics/health servers until ctx is cancelled or a fatal error
// occurs. The first fatal error from any component cancels the rest;
// transient per-component errors are the component's own job to retry
// (the Syncer's supervisor, the Processor's backoff loop).
func (r *Runner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 1)
	reportErr := func(err error) {
		if err == nil || err == context.Canceled {
			return
		}
		select {
		case errs <- err:
		default:
		}
		cancel()
	}

	go func() {
		r.logger.Info().Str("address", r.settings.MetricsAddress).Msg("starting metrics server")
		if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	go func() {
		r.logger.Info().Str("address", r.settings.HealthAddress).Msg("starting health server")
		if err := r.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error().Err(err).Msg("health server error")
		}
	}()

	for _, rt := range r.chains {
		rt := rt
		wg.Add(1)
		go func() {
			defer wg.Done()
			reportErr(rt.syncer.Start(runCtx))
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			reportErr(rt.processor.Run(runCtx))
		}()
		for _, sched := range rt.crons {
			sched := sched
			wg.Add(1)
			go func() {
				defer wg.Done()
				reportErr(sched.Run(runCtx))
			}()
		}
	}

	<-runCtx.Done()
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return ctx.Err()
	}
}

// healthHandler reports aggregate and per-chain health the way the
// teacher's healthCheckHandler does, extended to a multi-chain
// summary line per chain.
func (r *Runner) healthHandler(w http.ResponseWriter, _ *http.Request) {
	var unhealthy []string
	var lines []string
	for _, rt := range r.chains {
		ok := rt.healthy()
		status := "healthy"
		if !ok {
			status = "unhealthy"
			unhealthy = append(unhealthy, rt.desc.Name)
		}
		lines = append(lines, fmt.Sprintf("%s (chain %d): %s", rt.desc.Name, rt.desc.ChainID, status))
	}

	if len(unhealthy) > 0 || !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	fmt.Fprintf(w, "bus: %t\n%s\n", r.bus.Healthy(), strings.Join(lines, "\n"))
}

// Close releases every resource Start doesn't own: HTTP servers, each
// chain's Block Source connection, the bus, the lease cache and the
// store's connection pool. Safe to call after a partially-failed New.
func (r *Runner) Close() {
	if r.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		r.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if r.healthSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		r.healthSrv.Shutdown(shutdownCtx)
		cancel()
	}
	for _, rt := range r.chains {
		rt.source.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.lease != nil {
		r.lease.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
}
