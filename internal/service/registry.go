package service

import (
	"fmt"
	"sync"

	"github.com/banditlabs/bandgate/internal/config"
	"github.com/banditlabs/bandgate/internal/model"
	"golang.org/x/time/rate"
)

// Registry holds the read-only reference data the engine consumes:
// experiment/element/variant definitions and the API clients allowed on the
// HTTP surface, both loaded from config. Experiment CRUD lives in an external
// management surface; the engine only reads.
type Registry struct {
	mu          sync.RWMutex
	experiments map[string]*model.Experiment
	clients     map[string]*model.Client // key: API key
	limiters    map[string]*rate.Limiter // key: client ID
	defaultCli  *model.Client
}

func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		experiments: make(map[string]*model.Experiment),
		clients:     make(map[string]*model.Client),
		limiters:    make(map[string]*rate.Limiter),
	}

	for _, expCfg := range cfg.Experiments {
		exp, err := buildExperiment(expCfg)
		if err != nil {
			return nil, err
		}
		if _, ok := r.experiments[exp.ID]; ok {
			return nil, fmt.Errorf("duplicate experiment id %q", exp.ID)
		}
		r.experiments[exp.ID] = exp
	}

	for _, cliCfg := range cfg.Clients {
		cli := &model.Client{
			ID:     cliCfg.ID,
			Name:   cliCfg.Name,
			APIKey: cliCfg.APIKey,
			Rate:   model.RateLimitConfig{QPS: cliCfg.QPS, Burst: cliCfg.Burst},
		}
		r.registerClient(cli)
	}

	// Single-client mode for local setups: one implicit client keyed by
	// auth.api_key.
	if len(cfg.Clients) == 0 {
		cli := &model.Client{
			ID:     "default-client",
			Name:   "Default Client",
			APIKey: cfg.Auth.APIKey,
			Rate:   model.RateLimitConfig{QPS: 50, Burst: 100},
		}
		if cli.APIKey == "" {
			cli.APIKey = "bg-default-12345"
		}
		r.registerClient(cli)
		r.defaultCli = cli
	}

	return r, nil
}

// buildExperiment validates one experiment definition. Validation fails fast:
// a broken definition is a configuration error, not a runtime condition.
func buildExperiment(cfg config.ExperimentConfig) (*model.Experiment, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("experiment without id")
	}
	status := model.ExperimentStatus(cfg.Status)
	switch status {
	case model.StatusDraft, model.StatusActive, model.StatusPaused, model.StatusCompleted:
	case "":
		status = model.StatusDraft
	default:
		return nil, fmt.Errorf("experiment %s: unknown status %q", cfg.ID, cfg.Status)
	}
	mode := model.AllocationMode(cfg.Mode)
	switch mode {
	case model.ModeAdaptive, model.ModeFixed:
	case "":
		mode = model.ModeAdaptive
	default:
		return nil, fmt.Errorf("experiment %s: unknown mode %q", cfg.ID, cfg.Mode)
	}

	exp := &model.Experiment{ID: cfg.ID, Name: cfg.Name, Status: status, Mode: mode}
	if len(cfg.Elements) == 0 {
		return nil, fmt.Errorf("experiment %s: no elements", cfg.ID)
	}

	seenVariants := make(map[string]struct{})
	for _, elCfg := range cfg.Elements {
		if elCfg.ID == "" {
			return nil, fmt.Errorf("experiment %s: element without id", cfg.ID)
		}
		el := model.Element{ID: elCfg.ID, Name: elCfg.Name}
		controls := 0
		active := 0
		for _, vCfg := range elCfg.Variants {
			if vCfg.ID == "" {
				return nil, fmt.Errorf("experiment %s: variant without id in element %s", cfg.ID, elCfg.ID)
			}
			if _, ok := seenVariants[vCfg.ID]; ok {
				return nil, fmt.Errorf("experiment %s: duplicate variant id %q", cfg.ID, vCfg.ID)
			}
			seenVariants[vCfg.ID] = struct{}{}
			if vCfg.Control {
				controls++
			}
			if !vCfg.Deactivated {
				active++
			}
			if mode == model.ModeFixed && !vCfg.Deactivated && vCfg.Weight <= 0 {
				return nil, fmt.Errorf("experiment %s: variant %s needs a positive weight in fixed mode", cfg.ID, vCfg.ID)
			}
			el.Variants = append(el.Variants, model.Variant{
				ID:          vCfg.ID,
				Name:        vCfg.Name,
				Control:     vCfg.Control,
				Weight:      vCfg.Weight,
				Deactivated: vCfg.Deactivated,
			})
		}
		if active < 2 {
			return nil, fmt.Errorf("experiment %s: element %s has %d active variants, need at least 2", cfg.ID, elCfg.ID, active)
		}
		if controls != 1 {
			return nil, fmt.Errorf("experiment %s: element %s has %d control variants, need exactly 1", cfg.ID, elCfg.ID, controls)
		}
		exp.Elements = append(exp.Elements, el)
	}
	return exp, nil
}

func (r *Registry) registerClient(cli *model.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[cli.APIKey] = cli

	limit := rate.Limit(cli.Rate.QPS)
	if limit == 0 {
		limit = rate.Inf
	}
	burst := cli.Rate.Burst
	if burst == 0 {
		burst = 1
	}
	r.limiters[cli.ID] = rate.NewLimiter(limit, burst)
}

func (r *Registry) Experiment(id string) (*model.Experiment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.experiments[id]
	return exp, ok
}

func (r *Registry) ExperimentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.experiments))
	for id := range r.experiments {
		ids = append(ids, id)
	}
	return ids
}

// Element resolves an element within an experiment. An empty elementID
// resolves to the experiment's sole element when it has exactly one.
func (r *Registry) Element(experimentID, elementID string) (*model.Element, bool) {
	exp, ok := r.Experiment(experimentID)
	if !ok {
		return nil, false
	}
	if elementID == "" {
		if len(exp.Elements) == 1 {
			return &exp.Elements[0], true
		}
		return nil, false
	}
	for i := range exp.Elements {
		if exp.Elements[i].ID == elementID {
			return &exp.Elements[i], true
		}
	}
	return nil, false
}

// EligibleVariants returns the non-deactivated variants of an element.
// Deactivated variants stay resolvable for historical reads but receive no
// new traffic.
func (r *Registry) EligibleVariants(el *model.Element) []model.Variant {
	out := make([]model.Variant, 0, len(el.Variants))
	for _, v := range el.Variants {
		if !v.Deactivated {
			out = append(out, v)
		}
	}
	return out
}

// VariantIDs collects every variant id of an experiment, deactivated ones
// included, for aggregate reads.
func (r *Registry) VariantIDs(experimentID string) []string {
	exp, ok := r.Experiment(experimentID)
	if !ok {
		return nil
	}
	var ids []string
	for _, el := range exp.Elements {
		for _, v := range el.Variants {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

func (r *Registry) ClientByAPIKey(apiKey string) (*model.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cli, ok := r.clients[apiKey]
	return cli, ok
}

func (r *Registry) DefaultClient() *model.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultCli
}

func (r *Registry) LimiterForClient(clientID string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[clientID]
}
