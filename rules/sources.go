package rules

import (
	"context"
	"time"

	"chainwatch/core"
	"chainwatch/enrich"
	"chainwatch/expr"
	"chainwatch/metrics"

	"go.uber.org/zap"
)

// DirSource loads typology rules from a directory of YAML/JSON files.
type DirSource struct {
	Dir    string
	Loader *Loader
}

// NewDirSource creates a directory source.
func NewDirSource(dir string, loader *Loader) *DirSource {
	return &DirSource{Dir: dir, Loader: loader}
}

// Name implements Source.
func (s *DirSource) Name() string { return "dir:" + s.Dir }

// Load implements Source. Invalid files are skipped; only an unreadable
// directory fails the load.
func (s *DirSource) Load(context.Context) ([]*TypologyRule, error) {
	result, err := s.Loader.LoadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	return result.Rules, nil
}

// TypologyProvider is the part of enrich.Enricher used for rule refreshes.
type TypologyProvider interface {
	GetActiveTypologyRules(ctx context.Context) ([]enrich.TypologyRule, error)
}

// EnricherSource pulls the active typology rules from the enrichment service.
type EnricherSource struct {
	provider     TypologyProvider
	logger       *zap.SugaredLogger
	regexTimeout time.Duration
}

// NewEnricherSource creates a source backed by provider.
func NewEnricherSource(provider TypologyProvider, logger *zap.SugaredLogger, regexTimeout time.Duration) *EnricherSource {
	return &EnricherSource{provider: provider, logger: logger, regexTimeout: regexTimeout}
}

// Name implements Source.
func (s *EnricherSource) Name() string { return "enricher" }

// Load implements Source. A provider error fails the load; individual
// invalid rules are skipped with a warning.
func (s *EnricherSource) Load(ctx context.Context) ([]*TypologyRule, error) {
	defs, err := s.provider.GetActiveTypologyRules(ctx)
	if err != nil {
		return nil, err
	}

	var opts []expr.Option
	if s.regexTimeout > 0 {
		opts = append(opts, expr.WithRegexTimeout(s.regexTimeout))
	}

	out := make([]*TypologyRule, 0, len(defs))
	for _, def := range defs {
		enabled := def.Enabled
		rule := &TypologyRule{
			ID:          def.ID,
			Name:        def.Name,
			Version:     RuleVersion(def.Version),
			Description: def.Description,
			Severity:    core.Severity(def.Severity),
			Enabled:     &enabled,
			Variant:     def.Variant,
			Condition:   def.Condition,
			AlertType:   def.AlertType,
			Tags:        append([]string(nil), def.Tags...),
		}
		if err := rule.Compile(opts...); err != nil {
			s.logger.Warnw("Skipping invalid typology rule from enricher", "rule_id", def.ID, "error", err)
			metrics.RecordRuleLoadError("entry")
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}
