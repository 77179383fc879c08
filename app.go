package main

import (
	"errors"
	"fmt"
	"net/http"

	"modsync/internal"
	"modsync/pkg/catalog"
	"modsync/pkg/credential"
	"modsync/pkg/storage"
	"modsync/pkg/storage/catalogs"
	"modsync/pkg/storage/preferences"
	"modsync/pkg/transport"
	"modsync/repo"

	"github.com/charmbracelet/log"
)

// app holds everything one repository needs, built from the config file.
type app struct {
	cfg       internal.Config
	logger    *log.Logger
	creds     *credential.Manager
	publisher internal.Publisher
	repo      *repo.Repository
	closers   []func() error
}

type appOptions struct {
	// publish enables the watermill publisher; one-shot commands skip it.
	publish bool
}

func newApp(cfg internal.Config, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: internal.NewLogger("app")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	env, err := credential.ParseEnvironment(cfg.Repository.Environment)
	if err != nil {
		return nil, err
	}

	prefs, catalogStore, err := a.openStorage()
	if err != nil {
		return nil, err
	}

	base := internal.NewRateLimitTransport(http.DefaultTransport, cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst)
	timeout := internal.Millis(cfg.HTTP.TimeoutMS)
	apiClient := transport.New(
		transport.WithHTTPClient(&http.Client{Timeout: timeout, Transport: base}),
		transport.WithUserAgent(cfg.HTTP.UserAgent),
		transport.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)

	creds, err := credential.NewManager(credential.Config{
		Environment:        env,
		Scheme:             cfg.Credentials.Scheme,
		ProductionHost:     cfg.Credentials.ProductionHost,
		StagingHost:        cfg.Credentials.StagingHost,
		Domain:             cfg.Credentials.Domain,
		Scope:              cfg.Credentials.Scope,
		Cooldown:           internal.Millis(cfg.Credentials.CooldownMS),
		RateLimitBlockade:  internal.Millis(cfg.Credentials.RateLimitBlockadeMS),
		TokenPath:          cfg.Credentials.TokenPath,
		DeviceIDTimeout:    internal.Millis(cfg.Credentials.DeviceIDTimeoutMS),
		Strict:             cfg.Credentials.Strict,
		AllowExternalToken: cfg.Credentials.AllowExternalToken,
	}, apiClient, prefs, credential.WithLogger(internal.NewLogger("credential")))
	if err != nil {
		return nil, err
	}
	if cfg.Credentials.Token != "" && !creds.SetToken(cfg.Credentials.Token) {
		a.logger.Warn("ignoring credentials.token, allow_external_token is off")
	}
	a.creds = creds

	reconciler, err := catalog.NewReconciler(creds,
		catalog.WithBlacklist(cfg.Repository.Blacklist...),
		catalog.WithDefaultName(cfg.Repository.DefaultName),
		catalog.WithLogger(internal.NewLogger("catalog")),
	)
	if err != nil {
		return nil, err
	}

	fetcher := transport.New(
		transport.WithHTTPClient(repo.NewCatalogHTTPClient(creds, base, timeout)),
		transport.WithUserAgent(cfg.HTTP.UserAgent),
		transport.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)

	repoOpts := []repo.Option{repo.WithLogger(internal.NewLogger("repo"))}
	if catalogStore != nil {
		repoOpts = append(repoOpts, repo.WithCatalogStore(catalogStore))
	}
	if opts.publish {
		rules, err := internal.NewRuleEngine(internal.RulesConfig{
			Rules:  cfg.Rules,
			Strict: cfg.RulesStrict,
			Logger: internal.NewLogger("rules"),
		})
		if err != nil {
			return nil, fmt.Errorf("compile rules: %w", err)
		}
		publisher, err := internal.NewPublisher(cfg.Watermill)
		if err != nil {
			return nil, fmt.Errorf("publisher: %w", err)
		}
		a.publisher = publisher
		a.closers = append(a.closers, publisher.Close)
		repoOpts = append(repoOpts, repo.WithRules(rules), repo.WithPublisher(publisher))
	}

	endpoint := cfg.Repository.ProductionEndpoint
	if env == credential.Staging {
		endpoint = cfg.Repository.StagingEndpoint
	}
	r, err := repo.New(repo.Config{
		ID:          cfg.Repository.ID,
		Endpoint:    endpoint,
		VersionCode: cfg.App.VersionCode,
		VersionName: cfg.App.VersionName,
		Defaults: repo.Metadata{
			Name:         cfg.Repository.DefaultName,
			Website:      cfg.Repository.Website,
			Support:      cfg.Repository.Support,
			Donate:       cfg.Repository.Donate,
			SubmitModule: cfg.Repository.SubmitModule,
		},
		Topics: repo.Topics{
			Changed: cfg.Watermill.Topics.Changed,
			Removed: cfg.Watermill.Topics.Removed,
		},
	}, creds, reconciler, fetcher, repoOpts...)
	if err != nil {
		return nil, err
	}
	a.repo = r
	return a, nil
}

// openStorage returns the preference store and, when a database is
// configured, the catalog cache. An empty driver keeps preferences in memory.
func (a *app) openStorage() (storage.PreferenceStore, storage.CatalogStore, error) {
	sc := a.cfg.Storage
	if sc.Driver == "" && sc.Dialect == "" {
		a.logger.Warn("no storage configured, token and device id will not survive restarts")
		return storage.NewMemoryPreferences(), nil, nil
	}
	prefs, err := preferences.Open(storage.Config{
		Driver:      sc.Driver,
		DSN:         sc.DSN,
		Dialect:     sc.Dialect,
		Table:       sc.PreferencesTable,
		AutoMigrate: sc.AutoMigrate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open preferences: %w", err)
	}
	a.closers = append(a.closers, prefs.Close)

	cats, err := catalogs.Open(storage.Config{
		Driver:      sc.Driver,
		DSN:         sc.DSN,
		Dialect:     sc.Dialect,
		Table:       sc.CatalogsTable,
		AutoMigrate: sc.AutoMigrate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open catalog cache: %w", err)
	}
	a.closers = append(a.closers, cats.Close)
	return prefs, cats, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
