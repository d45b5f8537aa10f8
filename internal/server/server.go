package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/strefethen/nowplaying-hub/internal/api"
	"github.com/strefethen/nowplaying-hub/internal/audit"
	"github.com/strefethen/nowplaying-hub/internal/config"
	"github.com/strefethen/nowplaying-hub/internal/credentials"
	"github.com/strefethen/nowplaying-hub/internal/db"
	"github.com/strefethen/nowplaying-hub/internal/feed"
	"github.com/strefethen/nowplaying-hub/internal/orchestrator"
	"github.com/strefethen/nowplaying-hub/internal/policy"
	"github.com/strefethen/nowplaying-hub/internal/priority"
	"github.com/strefethen/nowplaying-hub/internal/provider"
	"github.com/strefethen/nowplaying-hub/internal/settings"
	"github.com/strefethen/nowplaying-hub/internal/sources/cloudpush"
	"github.com/strefethen/nowplaying-hub/internal/sources/directpoll"
	"github.com/strefethen/nowplaying-hub/internal/sources/localdisco"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLoggerMiddleware logs all incoming HTTP requests
func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start).Round(time.Millisecond))
	})
}

// Options controls server wiring.
type Options struct {
	// DisableSources skips starting the provider sources (for tests).
	DisableSources bool
}

// NewHandler builds the HTTP handler and returns a shutdown function.
func NewHandler(cfg config.Config, options Options) (http.Handler, func(context.Context) error, error) {
	log.Printf("Using database: %s", cfg.SQLiteDBPath)
	dbPair, err := db.Init(cfg.SQLiteDBPath)
	if err != nil {
		return nil, nil, err
	}

	policies, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		dbPair.Close()
		return nil, nil, err
	}

	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(requestLoggerMiddleware)
	router.Use(api.RequestIDMiddleware)
	router.Use(api.RecovererMiddleware)

	registerHealthRoutes(router)

	runCtx, runCancel := context.WithCancel(context.Background())

	// Credentials
	credsRepo := credentials.NewRepository(dbPair)
	tokenStore := credentials.NewStore(credsRepo, map[provider.CredentialSet]credentials.Endpoint{
		provider.CredentialPrimary: {
			TokenURL:     cfg.CloudTokenURL,
			ClientID:     cfg.CloudClientID,
			ClientSecret: cfg.CloudClientSecret,
		},
		provider.CredentialSecondary: {
			TokenURL:     cfg.CloudTokenURL,
			ClientID:     cfg.CloudBClientID,
			ClientSecret: cfg.CloudBClientSecret,
		},
	}, nil)
	go tokenStore.Run(runCtx)
	registerCredentialRoutes(router, tokenStore)

	// The machine is constructed after the sources because its probe
	// closes over them; the transport's health callback closes over the
	// machine in turn and only fires once the socket is up.
	var machine *priority.Machine

	// Sources
	pollClient := directpoll.NewClient(cfg.CloudAPIURL, cfg.CloudHouseholdID,
		provider.CredentialPrimary, tokenStore, time.Duration(cfg.CloudTimeoutMs)*time.Millisecond)
	pollSource := directpoll.New(directpoll.Config{
		Client:   pollClient,
		Interval: time.Duration(cfg.CloudPollIntervalMs) * time.Millisecond,
	})

	transport := cloudpush.NewTransport(cloudpush.Config{
		WSURL:          cfg.CloudWSURL,
		DialCredential: provider.CredentialPrimary,
		Tokens:         tokenStore,
		OnHealth: func(id provider.ID, frame cloudpush.HealthFrame) {
			if machine == nil {
				return
			}
			machine.ApplyHealthSignal(priority.HealthSignal{
				Provider:       id,
				Status:         priority.HealthStatus(frame.Status),
				ShouldFallback: frame.ShouldFallback,
				RetryIn:        time.Duration(frame.RetryInSeconds) * time.Second,
			})
		},
	})
	pushA := transport.Source(provider.CloudPushA, cfg.CloudHouseholdID, provider.CredentialPrimary)
	pushB := transport.Source(provider.CloudPushB, cfg.CloudBHouseholdID, provider.CredentialSecondary)

	localSource := localdisco.New(localdisco.Config{
		PollInterval:    time.Duration(cfg.LocalPollIntervalMs) * time.Millisecond,
		DiscoveryPasses: cfg.SSDPDiscoveryPasses,
		PassInterval:    time.Duration(cfg.SSDPPassIntervalMs) * time.Millisecond,
		SearchTimeout:   time.Duration(cfg.SSDPDiscoveryTimeoutMs) * time.Millisecond,
		StaticIPs:       cfg.StaticDeviceIPs,
	})

	sources := map[provider.ID]provider.Source{
		provider.CloudPoll:    pollSource,
		provider.CloudPushA:   pushA,
		provider.CloudPushB:   pushB,
		provider.LocalNetwork: localSource,
	}

	machine = priority.NewMachine(priority.Config{
		Order:    provider.DefaultOrder(),
		Policies: policies,
		Probe: func(ctx context.Context, id provider.ID) (bool, error) {
			src, ok := sources[id]
			if !ok {
				return false, priority.ErrUnknownProvider
			}
			return src.Probe(ctx)
		},
		TransitionGrace: time.Duration(cfg.TransitionGraceMs) * time.Millisecond,
		ProbeTimeout:    time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond,
	})

	// Audit
	auditService := audit.NewService(dbPair, cfg.AuditRetentionDays, cfg.AuditPruneCron, nil)
	audit.RegisterRoutes(router, auditService)
	auditService.StartPruneJob()

	// Feed hub
	hub := feed.NewHub(nil)
	feed.RegisterRoutes(router, hub)

	// Settings, with enablement pushed into the machine on change
	applyEnablement := func(enabled map[provider.ID]bool) {
		machine.UpdateEnabledProviders(priority.Enablement{
			Credentials: credentialPresence(credsRepo),
			Providers:   enabled,
		})
	}
	settingsService := settings.NewService(dbPair, nil, applyEnablement)
	settings.RegisterRoutes(router, settingsService)

	// Orchestrator
	orch := orchestrator.New(orchestrator.Config{
		Machine:  machine,
		Sources:  sources,
		Policies: policies,
		Cycling: orchestrator.CyclingConfig{
			Enabled:             cfg.CyclingEnabled,
			PausedWithTrackWait: time.Duration(cfg.CyclePausedWithTrackSec) * time.Second,
			PausedNoTrackWait:   time.Duration(cfg.CyclePausedNoTrackSec) * time.Second,
			StoppedWait:         time.Duration(cfg.CycleStoppedSec) * time.Second,
			IdleWait:            time.Duration(cfg.CycleIdleSec) * time.Second,
			ResetCooldown:       time.Duration(cfg.CycleResetCooldownSec) * time.Second,
		},
		OnView:       hub.Broadcast,
		OnTransition: auditService.RecordTransition,
		OnAuthError:  tokenStore.RequestRefresh,
		SendConfig:   transport.SendConfig,
	})
	registerStatusRoutes(router, orch, machine)

	if !options.DisableSources {
		if enabled, err := settingsService.EnabledMap(); err == nil {
			applyEnablement(enabled)
		} else {
			log.Printf("failed to load provider settings, enabling all: %v", err)
		}
		go orch.Run(runCtx)

		startedAt := time.Now().UTC().Format(time.RFC3339)
		if _, err := auditService.RecordEvent(audit.WriteEventInput{
			ProviderID: "system",
			Type:       audit.EventSystemStartup,
			Reason:     "server started",
			Detail:     &startedAt,
		}); err != nil {
			log.Printf("failed to record startup event: %v", err)
		}
	}

	shutdown := func(ctx context.Context) error {
		runCancel()
		orch.Stop()
		machine.Close()
		transport.Close()
		hub.Close()
		auditService.StopPruneJob()
		if ctx == nil {
			ctx = context.Background()
		}
		return dbPair.Close()
	}

	return router, shutdown, nil
}

// credentialPresence reports which credential sets have a stored token.
func credentialPresence(repo *credentials.Repository) map[provider.CredentialSet]bool {
	presence := make(map[provider.CredentialSet]bool)
	for _, set := range []provider.CredentialSet{provider.CredentialPrimary, provider.CredentialSecondary} {
		token, err := repo.GetToken(set)
		presence[set] = err == nil && token != nil
	}
	return presence
}

func registerHealthRoutes(router chi.Router) {
	router.Method(http.MethodGet, "/v1/health", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		response := map[string]any{
			"status":    "healthy",
			"service":   "nowplaying-hub",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		return api.WriteJSON(w, http.StatusOK, response)
	}))
	router.Method(http.MethodGet, "/v1/health/live", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}))
	router.Method(http.MethodGet, "/v1/health/ready", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}))
}

func registerCredentialRoutes(router chi.Router, store *credentials.Store) {
	router.Method(http.MethodGet, "/v1/credentials/{credentialSet}", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		set := provider.CredentialSet(chi.URLParam(r, "credentialSet"))
		status, err := store.Status(set)
		if err != nil {
			return err
		}
		return api.WriteResource(w, http.StatusOK, status)
	}))
}
