package application

import (
	"context"
	"fmt"

	"github.com/Agent-Field/agentfield-dids/internal/cache"
	"github.com/Agent-Field/agentfield-dids/internal/config"
	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/internal/logger"
	"github.com/Agent-Field/agentfield-dids/internal/methods/key"
	"github.com/Agent-Field/agentfield-dids/internal/methods/peer"
	"github.com/Agent-Field/agentfield-dids/internal/methods/tdw"
	"github.com/Agent-Field/agentfield-dids/internal/methods/web"
	"github.com/Agent-Field/agentfield-dids/internal/server"
	"github.com/Agent-Field/agentfield-dids/internal/services"
	"github.com/Agent-Field/agentfield-dids/internal/storage"
)

// Container holds every wired service of a running instance.
type Container struct {
	Config   *config.Config
	Storage  storage.DIDRecordStorage
	Cache    cache.ResolutionCache
	Resolver *services.DIDResolverService
	Records  *services.DIDRecordService
	Auth     *services.DIDAuthService
}

// CreateServiceContainer creates and wires up all services from cfg.
func CreateServiceContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	storageFactory := &storage.StorageFactory{}
	store, err := storageFactory.CreateStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}

	resolverCfg := services.ResolverConfig{
		Resolvers:      BuildResolvers(cfg.Methods),
		RecordStore:    store,
		ResolveTimeout: cfg.Resolver.Timeout,
	}

	var resolutionCache cache.ResolutionCache
	if cfg.Cache.Enabled {
		resolutionCache, err = cache.NewResolutionCache(cfg.Cache.Limit, cfg.Cache.TTL)
		if err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("create resolution cache: %w", err)
		}
		resolverCfg.Cache = resolutionCache
	}

	resolver, err := services.NewDIDResolverService(resolverCfg)
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("create resolver: %w", err)
	}

	logger.Logger.Info().
		Strs("methods", resolver.SupportedMethods()).
		Str("storage", cfg.Storage.Mode).
		Bool("cache", cfg.Cache.Enabled).
		Msg("DID resolver initialized")

	return &Container{
		Config:   cfg,
		Storage:  store,
		Cache:    resolutionCache,
		Resolver: resolver,
		Records:  services.NewDIDRecordService(resolver, store),
		Auth:     services.NewDIDAuthService(resolver),
	}, nil
}

// BuildResolvers returns the enabled method drivers.
func BuildResolvers(cfg config.MethodsConfig) []services.DIDResolver {
	var resolvers []services.DIDResolver
	if cfg.Key.Enabled {
		resolvers = append(resolvers, key.NewResolver())
	}
	if cfg.Peer.Enabled {
		resolvers = append(resolvers, peer.NewResolver())
	}
	if cfg.Web.Enabled {
		fetcher := newFetcher(cfg.Web, "application/did+json, application/json")
		resolvers = append(resolvers, web.NewResolver(web.WithFetcher(fetcher), web.WithTimeout(cfg.Web.Timeout)))
	}
	if cfg.TDW.Enabled {
		fetcher := newFetcher(cfg.TDW, "application/jsonl, application/json")
		resolvers = append(resolvers, tdw.NewResolver(tdw.WithFetcher(fetcher), tdw.WithTimeout(cfg.TDW.Timeout)))
	}
	return resolvers
}

func newFetcher(cfg config.RemoteMethodConfig, accept string) *didutil.HTTPFetcher {
	return didutil.NewHTTPFetcher(
		didutil.WithAccept(accept),
		didutil.WithTimeout(cfg.Timeout),
		didutil.WithUserAgent(cfg.UserAgent),
		didutil.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
}

// Server builds the HTTP server for this container.
func (c *Container) Server() *server.Server {
	return server.New(c.Config.Server, server.Dependencies{
		Resolver: c.Resolver,
		Records:  c.Records,
		Verifier: c.Auth,
	})
}

// Close releases the record store.
func (c *Container) Close(ctx context.Context) error {
	if c.Storage == nil {
		return nil
	}
	return c.Storage.Close(ctx)
}
