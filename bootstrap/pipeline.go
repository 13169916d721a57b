package bootstrap

import (
	"context"
	"fmt"

	"chainwatch/config"
	"chainwatch/correlation"
	"chainwatch/dedup"
	"chainwatch/engine"
	"chainwatch/enrich"
	"chainwatch/kyt"
	"chainwatch/notify"
	"chainwatch/rules"

	"go.uber.org/zap"
)

// PipelineComponents holds everything between the consumer and the sinks.
type PipelineComponents struct {
	Enricher    enrich.Enricher
	Rules       *rules.Registry
	Dedup       *dedup.Store
	RedisIndex  *dedup.RedisIndex
	Correlation *correlation.Engine
	Notifier    *notify.Dispatcher
	Engine      *engine.Engine
	KYT         *kyt.Engine
}

// InitEnricher builds the label directory from config behind an LRU cache.
func InitEnricher(cfg *config.Config) enrich.Enricher {
	static := enrich.NewStaticEnricher(cfg.Enrichment.Labels)
	if cfg.Enrichment.CacheSize == 0 {
		return static
	}
	return enrich.NewCachingEnricher(static, cfg.Enrichment.CacheSize, cfg.Enrichment.CacheTTL)
}

// InitRules creates the registry and performs the first load. A rules
// directory that cannot be read fails startup.
func InitRules(ctx context.Context, cfg *config.Config, provider rules.TypologyProvider, sugar *zap.SugaredLogger) (*rules.Registry, error) {
	var sources []rules.Source
	if cfg.Rules.Dir != "" {
		sources = append(sources, rules.NewDirSource(cfg.Rules.Dir, rules.NewLoader(sugar, cfg.Rules.RegexTimeout)))
	}
	if provider != nil {
		sources = append(sources, rules.NewEnricherSource(provider, sugar, cfg.Rules.RegexTimeout))
	}

	registry := rules.NewRegistry(rules.Builtins(cfg.Rules.Thresholds), sugar, sources...)
	if _, err := registry.Reload(ctx); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return registry, nil
}

// InitDedup creates the suppression store, sharing fire times through Redis
// when enabled.
func InitDedup(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*dedup.Store, *dedup.RedisIndex, error) {
	var (
		index      dedup.FireIndex
		redisIndex *dedup.RedisIndex
	)
	if cfg.Redis.Enabled {
		client := dedup.NewRedisClient(cfg.Redis.RedisConfig)
		redisIndex = dedup.NewRedisIndex(client, cfg.Redis.KeyPrefix, cfg.Redis.Timeout, sugar)
		if err := redisIndex.Ping(ctx); err != nil {
			_ = redisIndex.Close()
			sugar.Error(ClassifyConnectionError("Redis", err, cfg.Redis.Addr))
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		index = redisIndex
		sugar.Infow("Redis dedup index enabled", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.KeyPrefix)
	}

	store, err := dedup.NewStore(cfg.Dedup, dedup.DefaultLogSize, index, sugar)
	if err != nil {
		if redisIndex != nil {
			_ = redisIndex.Close()
		}
		return nil, nil, err
	}
	return store, redisIndex, nil
}

// InitCorrelation merges inline rules with the rules file.
func InitCorrelation(cfg *config.Config, sugar *zap.SugaredLogger) (*correlation.Engine, error) {
	all := append([]correlation.Rule(nil), cfg.CorrelationRules.Rules...)
	if cfg.CorrelationRules.File != "" {
		fromFile, err := correlation.LoadFile(cfg.CorrelationRules.File)
		if err != nil {
			return nil, err
		}
		all = append(all, fromFile...)
	}
	return correlation.NewEngine(all, sugar)
}

// InitPipeline builds the alert engine and its collaborators.
func InitPipeline(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*PipelineComponents, error) {
	p := &PipelineComponents{Enricher: InitEnricher(cfg)}

	var err error
	if p.Rules, err = InitRules(ctx, cfg, p.Enricher, sugar); err != nil {
		return nil, err
	}
	if p.Dedup, p.RedisIndex, err = InitDedup(ctx, cfg, sugar); err != nil {
		return nil, err
	}
	if p.Correlation, err = InitCorrelation(cfg, sugar); err != nil {
		p.Close()
		return nil, err
	}
	if p.Notifier, err = notify.BuildSinks(cfg.Notifications, sugar); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to build notification sinks: %w", err)
	}

	p.Engine, err = engine.New(cfg.Engine, engine.Deps{
		Rules:       p.Rules,
		Dedup:       p.Dedup,
		Correlation: p.Correlation,
		Notifier:    p.Notifier,
		Enricher:    p.Enricher,
		Logger:      sugar,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create alert engine: %w", err)
	}

	p.KYT = InitKYT(cfg, sugar)

	sugar.Infow("Alert pipeline initialized",
		"rules", p.Rules.Snapshot().Len(),
		"sinks", p.Notifier.Sinks(),
		"correlation_rules", len(p.Correlation.Rules()))
	return p, nil
}

// InitKYT creates the transaction scorer.
func InitKYT(cfg *config.Config, sugar *zap.SugaredLogger) *kyt.Engine {
	kytCfg := cfg.KYT
	// without its own thresholds the scorer agrees with the pipeline
	if kytCfg.Thresholds.LargeTransferUSD == 0 && kytCfg.Thresholds.HighRiskScore == 0 {
		kytCfg.Thresholds = cfg.Rules.Thresholds
	}
	return kyt.New(kytCfg, sugar)
}

// Close releases external connections.
func (p *PipelineComponents) Close() {
	if p.KYT != nil {
		p.KYT.Close()
	}
	if p.RedisIndex != nil {
		_ = p.RedisIndex.Close()
	}
}
