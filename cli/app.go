// ABOUTME: Wires config into the registry client, CMS stack, store, and reconciler
// ABOUTME: One App per process; commands share its components
package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/harperreed/membersync/cms"
	"github.com/harperreed/membersync/config"
	"github.com/harperreed/membersync/registry"
	"github.com/harperreed/membersync/state"
	"github.com/harperreed/membersync/sync"
)

// App holds the wired components commands operate on.
type App struct {
	Config     *config.Config
	Registry   registry.Client
	CMS        cms.Client
	Gateway    *cms.Gateway
	Throttle   *cms.Throttle
	Store      state.Store
	Reconciler *sync.Reconciler
}

// NewApp builds the full component stack from config. Every CMS call flows
// through the rate-limited gateway; the raw HTTP client is never handed out.
// A nil notifier logs item failures and run completions to the process log.
func NewApp(cfg *config.Config, notifier sync.Notifier) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = sync.NotifierFunc(logNotifier)
	}

	registryClient := registry.NewHTTPClient(registry.HTTPClientOptions{
		BaseURL:    cfg.RegistryBaseURL,
		Token:      cfg.RegistryToken,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	})

	cmsHTTP := cms.NewHTTPClient(cms.HTTPClientOptions{
		BaseURL:       cfg.CMSBaseURL,
		TokenProvider: cms.StaticToken(cfg.CMSToken),
		HTTPClient:    &http.Client{Timeout: cfg.RequestTimeout},
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
	})
	gateway := cms.NewGateway(cfg.RateLimit, cfg.RateWindow)
	cmsHTTP.OnQuota(gateway.ObserveRemaining)
	limited := cms.NewLimitedClient(cmsHTTP, gateway)

	throttle := cms.NewThrottle(cms.ThrottleOptions{
		Enabled:     cfg.PublishEnabled,
		MinInterval: cfg.PublishMinInterval,
		Publish: func(ctx context.Context, reason string) error {
			_, err := limited.Publish(ctx, reason)
			return err
		},
	})

	store, err := state.Open(cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	reconciler, err := sync.NewReconciler(sync.Options{
		Registry:                 registryClient,
		CMS:                      limited,
		Store:                    store,
		Throttle:                 throttle,
		Hooks:                    []sync.Hook{sync.NewSectorResolver(limited)},
		Notifier:                 notifier,
		Concurrency:              cfg.Concurrency,
		FallbackLookback:         cfg.FallbackLookback,
		IncrementalUnpublishScan: cfg.IncrementalUnpublishScan,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &App{
		Config:     cfg,
		Registry:   registryClient,
		CMS:        limited,
		Gateway:    gateway,
		Throttle:   throttle,
		Store:      store,
		Reconciler: reconciler,
	}, nil
}

// Close releases the store and stops the gateway.
func (a *App) Close() {
	a.Gateway.Close()
	if err := a.Store.Close(); err != nil {
		log.Printf("Warning: failed to close state store: %v", err)
	}
}

// logNotifier prints item-level failures and run completions; quiet stages
// stay quiet.
func logNotifier(e sync.Event) {
	switch {
	case e.Err != nil && e.Stage != sync.StageDone:
		log.Printf("[%s] %s: %v", e.Stage, e.Message, e.Err)
	case e.Stage == sync.StageDone:
		if e.Err != nil {
			log.Printf("Sync failed: %v", e.Err)
		} else {
			log.Printf("%s", e.Message)
		}
	}
}
