package sdk

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/vailix-dev/vailix/identity"
	"github.com/vailix-dev/vailix/matcher"
	"github.com/vailix-dev/vailix/report"
	"github.com/vailix-dev/vailix/store"
)

// NearbyUser is a cosmetic, transport-supplied peer presence update;
// the core never computes proximity itself, it only relays what the
// (out-of-scope) transport adapter reports.
type NearbyUser struct {
	DisplayName string
	RPIHex      string
}

// Engine is one fully initialized SDK instance: the identity engine,
// encrypted local store, matcher, and report pipeline, wired together
// and pumping matches/errors to registered listeners.
type Engine struct {
	cfg      Config
	identity *identity.Engine
	store    *store.Store
	matcher  *matcher.Matcher
	report   *report.Pipeline
	log      logger.Logger

	onMatch  *listenerSet[matcher.Match]
	onError  *listenerSet[error]
	onNearby *listenerSet[NearbyUser]

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

func buildEngine(cfg Config, log logger.Logger) (*Engine, error) {
	idEngine := identity.New(cfg.KeyStorage, cfg.RPIDuration, log)
	if err := idEngine.Initialize(); err != nil {
		return nil, err
	}

	masterHex := hex.EncodeToString(idEngine.MasterKey())
	dbPath := cfg.StoreDir + "/vailix-contacts.db"
	contactStore, err := store.Open(dbPath, masterHex, cfg.RescanInterval.Milliseconds(), log)
	if err != nil {
		return nil, err
	}

	m := matcher.New(contactStore, cfg.KeyStorage, matcher.Config{
		DownloadBaseURL: cfg.DownloadURL,
		HTTPClient:      cfg.HTTPClient,
	}, log)

	onError := newListenerSet[error]()

	rp := report.New(idEngine, report.Config{
		ReportBaseURL: cfg.ReportURL,
		AppSecret:     cfg.AppSecret,
		AttestToken:   cfg.AttestToken,
		HTTPClient:    cfg.HTTPClient,
		// Submit's network/transport failures reach OnError the same
		// way matcher's do, rather than only the boolean Report returns.
		ErrorSink: onError.Emit,
	}, log)

	eng := &Engine{
		cfg:      cfg,
		identity: idEngine,
		store:    contactStore,
		matcher:  m,
		report:   rp,
		log:      log.WithServiceName("sdk"),
		onMatch:  newListenerSet[matcher.Match](),
		onError:  onError,
		onNearby: newListenerSet[NearbyUser](),
	}

	ctx, cancel := context.WithCancel(context.Background())
	eng.pumpCancel = cancel
	eng.pumpDone = make(chan struct{})
	go eng.pumpEvents(ctx)

	return eng, nil
}

// pumpEvents relays matcher output to registered listeners for the
// lifetime of the engine.
func (e *Engine) pumpEvents(ctx context.Context) {
	defer close(e.pumpDone)
	for {
		select {
		case <-ctx.Done():
			return
		case matches := <-e.matcher.Matches():
			for _, m := range matches {
				e.onMatch.Emit(m)
			}
		case err := <-e.matcher.Errors():
			e.onError.Emit(err)
		}
	}
}

// OnMatch registers a match listener and returns an unregistration handle.
func (e *Engine) OnMatch(fn func(matcher.Match)) func() { return e.onMatch.Register(fn) }

// OnError registers an error listener and returns an unregistration handle.
func (e *Engine) OnError(fn func(error)) func() { return e.onError.Register(fn) }

// OnNearbyUsersChanged registers a nearby-peer listener and returns an
// unregistration handle. The transport adapter (out of scope) is the
// only expected caller of NotifyNearbyUsersChanged.
func (e *Engine) OnNearbyUsersChanged(fn func(NearbyUser)) func() { return e.onNearby.Register(fn) }

// NotifyNearbyUsersChanged is the transport collaborator's hook into
// the SDK's listener set.
func (e *Engine) NotifyNearbyUsersChanged(u NearbyUser) { e.onNearby.Emit(u) }

// LogScan is the transport collaborator's hook for a completed
// exchange: it is expected to call CanScan first and suppress duplicates.
func (e *Engine) LogScan(ctx context.Context, peerRPIHex, peerMetadataKeyHex string, nowMS int64) error {
	return e.store.LogScan(ctx, peerRPIHex, peerMetadataKeyHex, nowMS)
}

// CanScan reports whether peerRPIHex may be logged again right now.
func (e *Engine) CanScan(peerRPIHex string) bool { return e.store.CanScan(peerRPIHex) }

// FetchAndMatch runs one matching pass; results surface via OnMatch/OnError.
func (e *Engine) FetchAndMatch(ctx context.Context) { e.matcher.FetchAndMatch(ctx) }

// Report submits a positive report covering the configured report
// history depth.
func (e *Engine) Report(ctx context.Context, metadata map[string]any) (bool, error) {
	return e.report.Submit(ctx, e.cfg.ReportDays, metadata)
}

// DisplayName returns the engine's current cosmetic pseudonym.
func (e *Engine) DisplayName() string { return e.identity.DisplayName() }

func (e *Engine) teardown() error {
	e.pumpCancel()
	select {
	case <-e.pumpDone:
	case <-time.After(5 * time.Second):
	}
	return e.store.Close()
}
