// Package app builds the relay's components once at startup and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"scanner-relay/config"
	"scanner-relay/internal/alert"
	"scanner-relay/internal/api"
	"scanner-relay/internal/connectivity"
	"scanner-relay/internal/db"
	"scanner-relay/internal/dispatch"
	"scanner-relay/internal/model"
	"scanner-relay/internal/parse"
	"scanner-relay/internal/registration"
	"scanner-relay/internal/replay"
	"scanner-relay/internal/store"
)

// Overrides replaces capabilities that config would otherwise select. Nil fields use the
// configured implementation.
type Overrides struct {
	Probe       connectivity.NetworkProbe
	Credentials dispatch.CredentialProvider
	Publisher   dispatch.Publisher
	Backend     dispatch.Notifier
}

// App is the process context: every component is created here and passed explicitly.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Store      store.Store
	Monitor    *connectivity.Monitor
	Dispatcher *dispatch.Dispatcher
	Engine     *replay.Engine
	Machine    *registration.Machine
	Alerts     *alert.WorkerPool
	Handler    *api.Handler

	log   *zap.Logger
	fatal chan error
}

// New opens the configured database and wires the relay.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	gormDB, err := db.Init(&cfg.Database, log.Named("db"))
	if err != nil {
		return nil, err
	}
	a, err := Build(cfg, gormDB, Overrides{}, log)
	if err != nil {
		if sqlDB, dbErr := gormDB.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return a, nil
}

// Build wires the relay over an open, migrated database.
func Build(cfg *config.Config, gormDB *gorm.DB, o Overrides, log *zap.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		DB:     gormDB,
		Store:  store.NewGormStore(gormDB),
		log:    log,
		fatal:  make(chan error, 1),
	}

	probe := o.Probe
	if probe == nil {
		probe = newProbe(cfg.Connectivity)
	}
	a.Monitor = connectivity.NewMonitor(probe, cfg.Relay.ConnectivityPollInterval, log.Named("connectivity"))

	creds := o.Credentials
	if creds == nil {
		var err error
		if creds, err = newCredentials(cfg.Hub); err != nil {
			return nil, err
		}
	}
	publisher := o.Publisher
	if publisher == nil {
		var err error
		if publisher, err = newPublisher(cfg.Hub, log.Named("hub")); err != nil {
			return nil, err
		}
	}
	backend := o.Backend
	if backend == nil && cfg.Backend.BaseURL != "" {
		backend = dispatch.NewBackendNotifier(dispatch.BackendConfig{
			BaseURL:          cfg.Backend.BaseURL,
			RegistrationPath: cfg.Backend.RegistrationPath,
			QuantityPath:     cfg.Backend.QuantityPath,
			NotifyQuantity:   cfg.Backend.NotifyQuantity,
			Headers:          cfg.Backend.Headers,
			RateLimitPerSec:  cfg.Backend.RateLimitPerSec,
			Timeout:          cfg.Backend.Timeout,
		}, nil)
	}
	a.Dispatcher = dispatch.New(creds, publisher, backend, cfg.Hub.CredentialTTL, log.Named("dispatch"))

	a.Engine = replay.New(a.Store, a.Dispatcher, a.Monitor.IsOnline, replay.Options{
		Interval:        cfg.Relay.RetryInterval,
		BatchSize:       cfg.Relay.ReplayBatchSize,
		Lease:           cfg.Relay.Lease,
		BaseBackoff:     cfg.Relay.BaseBackoff,
		MaxBackoff:      cfg.Relay.MaxRetryBackoff,
		DispatchTimeout: cfg.Relay.DispatchTimeout,
		StuckThreshold:  cfg.Relay.StuckRetryThreshold,
	}, log.Named("replay"))

	a.Machine = registration.NewMachine(a.Store, a.Engine, registration.Options{
		Rules: parse.Rules{
			RegistrationPrefix: cfg.Registration.Prefix,
			MinLen:             cfg.Registration.MinBarcodeLen,
			MaxLen:             cfg.Registration.MaxBarcodeLen,
		},
		Method:       cfg.Registration.Method,
		AllowRefresh: cfg.Registration.AllowRefresh,
	}, log.Named("registration"))

	pushOptions := &webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}
	a.Alerts = alert.NewWorkerPool(cfg.WorkerPool.Size, gormDB, pushOptions, log.Named("alert"))

	a.Engine.OnStuck = func(msg model.OutboundMessage) {
		a.Alerts.Dispatch(alert.Stuck(msg, time.Now()))
	}
	a.Engine.OnFatal = a.fail
	a.Monitor.OnTransition(func(online bool) {
		if online {
			a.Engine.Wake()
		}
		a.Alerts.Dispatch(alert.Connectivity(online, time.Now()))
	})

	a.Handler = api.NewHandler(api.Deps{
		Store:    a.Store,
		Machine:  guardedRegistrar{Machine: a.Machine, fail: a.fail},
		Replay:   a.Engine,
		Monitor:  a.Monitor,
		WebPush:  pushOptions,
		CacheTTL: time.Duration(cfg.Server.CacheTTLSeconds) * time.Second,
		Log:      log.Named("api"),
	})
	a.Engine.OnDelivered = func(model.OutboundMessage) { a.Handler.Invalidate() }
	return a, nil
}

// Router returns the local HTTP API.
func (a *App) Router() http.Handler {
	return api.NewRouter(a.Handler, api.RouterConfig{
		RateLimit: rate.Limit(a.Config.Server.RateLimitPerSec),
		Burst:     a.Config.Server.RateLimitBurst,
		CacheTTL:  time.Duration(a.Config.Server.CacheTTLSeconds) * time.Second,
	})
}

// Run starts the background loops and the HTTP API and blocks until ctx is cancelled or
// the store fails. A store failure is returned so the process can exit non-zero.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Alerts.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.Engine.Run(ctx)
	}()
	// Messages left queued by a previous run are attempted right away.
	a.Engine.Wake()

	var server *http.Server
	serverErr := make(chan error, 1)
	if a.Config.Server.Enabled {
		server = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
			Handler:           a.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.log.Info("HTTP server starting", zap.Int("port", a.Config.Server.Port))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-a.fatal:
		a.log.Error("stopping after durable store failure", zap.Error(runErr))
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	cancel()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("HTTP server shutdown", zap.Error(err))
		}
	}
	wg.Wait()
	return runErr
}

// Close releases hub sessions and the database.
func (a *App) Close() {
	a.Dispatcher.Close()
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

func (a *App) fail(err error) {
	if !errors.Is(err, model.ErrStorageCorruption) {
		return
	}
	a.Alerts.Dispatch(alert.Storage(err, time.Now()))
	select {
	case a.fatal <- err:
	default:
	}
}

// guardedRegistrar stops the process when a scan hits a store failure.
type guardedRegistrar struct {
	*registration.Machine
	fail func(error)
}

func (g guardedRegistrar) Handle(ctx context.Context, in registration.Input) (registration.Outcome, error) {
	out, err := g.Machine.Handle(ctx, in)
	if err != nil {
		g.fail(err)
	}
	return out, err
}

func (g guardedRegistrar) RegisterAs(ctx context.Context, deviceID, barcode string, refresh bool) (registration.Outcome, error) {
	out, err := g.Machine.RegisterAs(ctx, deviceID, barcode, refresh)
	if err != nil {
		g.fail(err)
	}
	return out, err
}

func newProbe(cfg config.ConnectivityConfig) connectivity.NetworkProbe {
	var probe connectivity.NetworkProbe
	switch cfg.Probe {
	case "static":
		probe = connectivity.StaticProbe(true)
	default:
		probe = connectivity.NewInterfaceProbe(cfg.IgnorePrefixes)
	}
	return connectivity.WithHubProbe(probe, cfg.HubProbeAddr, &net.Dialer{Timeout: cfg.HubProbeTimeout})
}

func newCredentials(cfg config.HubConfig) (dispatch.CredentialProvider, error) {
	switch cfg.Credentials {
	case "derived":
		return &dispatch.DerivedProvider{HostName: cfg.HostName, GroupKey: cfg.GroupKey}, nil
	case "registry":
		owner, err := dispatch.ParseConnectionString(cfg.OwnerConnectionString)
		if err != nil {
			return nil, fmt.Errorf("hub.owner_connection_string: %w", err)
		}
		return dispatch.NewRegistryProvider(owner, cfg.RegistryURL, cfg.APIVersion, cfg.TokenTTL, nil), nil
	default:
		return nil, fmt.Errorf("hub.credentials %q is not supported", cfg.Credentials)
	}
}

func newPublisher(cfg config.HubConfig, log *zap.Logger) (dispatch.Publisher, error) {
	switch cfg.Transport {
	case "kafka":
		producer, err := dispatch.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		return dispatch.NewKafkaPublisher(producer, cfg.Kafka.Topic), nil
	case "mqtt":
		return dispatch.NewMQTTPublisher(dispatch.MQTTConfig{
			BrokerURL:      cfg.MQTT.BrokerURL,
			TopicTemplate:  cfg.MQTT.TopicTemplate,
			QoS:            cfg.MQTT.QoS,
			APIVersion:     cfg.APIVersion,
			TokenTTL:       cfg.TokenTTL,
			KeepAlive:      time.Duration(cfg.MQTT.KeepAliveS) * time.Second,
			ConnectTimeout: time.Duration(cfg.MQTT.ConnectTimeoutS) * time.Second,
		}, log), nil
	default:
		return nil, fmt.Errorf("hub.transport %q is not supported", cfg.Transport)
	}
}
