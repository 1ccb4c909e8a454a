package api

import (
	"context"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"scanner-relay/internal/connectivity"
	"scanner-relay/internal/registration"
	"scanner-relay/internal/replay"
	"scanner-relay/internal/store"
)

// Registrar is the registration state machine as seen by the API.
type Registrar interface {
	Handle(ctx context.Context, in registration.Input) (registration.Outcome, error)
	RegisterAs(ctx context.Context, deviceID, barcode string, refresh bool) (registration.Outcome, error)
}

// Replayer is the replay engine as seen by the API.
type Replayer interface {
	FlushAll(ctx context.Context) (replay.Report, error)
	Stats(ctx context.Context) (replay.Stats, error)
}

// StatusReporter returns the last connectivity sample without blocking.
type StatusReporter interface {
	Status() connectivity.Status
}

// Deps are the collaborators a Handler serves.
type Deps struct {
	Store    store.Store
	Machine  Registrar
	Replay   Replayer
	Monitor  StatusReporter
	WebPush  *webpush.Options
	CacheTTL time.Duration
	Log      *zap.Logger
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	machine Registrar
	replay  Replayer
	monitor StatusReporter
	webpush *webpush.Options
	cache   *cache.Cache
	log     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	ttl := d.CacheTTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:   d.Store,
		machine: d.Machine,
		replay:  d.Replay,
		monitor: d.Monitor,
		webpush: d.WebPush,
		cache:   cache.New(ttl, 10*ttl),
		log:     log,
	}
}

// Invalidate drops cached GET responses. Handlers call it after their own writes;
// writers outside the API, such as the replay engine, call it too.
func (h *Handler) Invalidate() {
	h.cache.Flush()
}
