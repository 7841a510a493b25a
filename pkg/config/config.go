package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/discovery"
	"github.com/trellis-data/trellis/pkg/invocation"
	"github.com/trellis-data/trellis/pkg/security"
	"github.com/trellis-data/trellis/pkg/workflow"
)

// System holds engine-wide defaults.
type System struct {
	// GranuleLimit is the system default cap on granules per request.
	GranuleLimit int `yaml:"granule_limit"`

	// PageSize is the discovery catalog page size.
	PageSize int `yaml:"page_size"`
}

// Service describes one backend service.
type Service struct {
	ID          string          `yaml:"id"`
	Collections []string        `yaml:"collections"`
	Invocation  invocation.Kind `yaml:"invocation"`
	Endpoint    string          `yaml:"endpoint"`

	// GranuleLimit caps granules per request for this service; zero means
	// no service-level cap.
	GranuleLimit int `yaml:"granule_limit"`

	// CollectionLimits caps granules per collection within this service.
	CollectionLimits map[string]int `yaml:"collection_limits"`

	// Batched services aggregate upstream outputs under exactly one of the
	// two thresholds.
	Batched           bool  `yaml:"batched"`
	MaxBatchInputs    int   `yaml:"max_batch_inputs"`
	MaxBatchSizeBytes int64 `yaml:"max_batch_size_bytes"`
}

// Config is the parsed service chain configuration.
type Config struct {
	System   System    `yaml:"system"`
	Services []Service `yaml:"services"`
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes and validates them.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.System.GranuleLimit <= 0 {
		cfg.System.GranuleLimit = 10000
	}
	cfg.System.PageSize = security.ClampPageSize(cfg.System.PageSize)
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if err := security.ValidateServiceID(svc.ID); err != nil {
			return nil, fmt.Errorf("service %q: %w", svc.ID, err)
		}
		if svc.Invocation == "" {
			svc.Invocation = invocation.PullQueue
		}
		if svc.Batched && svc.MaxBatchInputs > security.MaxBatchInputsLimit {
			svc.MaxBatchInputs = security.MaxBatchInputsLimit
		}
	}
	return &cfg, nil
}

// ServiceFor returns the first configured service handling the collection.
func (c *Config) ServiceFor(collectionID string) (*Service, error) {
	for i := range c.Services {
		for _, coll := range c.Services[i].Collections {
			if coll == collectionID {
				return &c.Services[i], nil
			}
		}
	}
	return nil, core.Validation("no service is configured for collection %s", collectionID)
}

// ChainFor builds the workflow step chain and effective granule limit for a
// request: the discovery step followed by the matched service's step.
func (c *Config) ChainFor(op *core.DataOperation) ([]workflow.StepDefinition, discovery.GranuleLimit, error) {
	if len(op.Sources) == 0 {
		return nil, discovery.GranuleLimit{}, core.Validation("no data sources specified")
	}
	collection := op.Sources[0].CollectionID
	svc, err := c.ServiceFor(collection)
	if err != nil {
		return nil, discovery.GranuleLimit{}, err
	}

	var serviceLimit, collectionLimit *int
	if svc.GranuleLimit > 0 {
		serviceLimit = &svc.GranuleLimit
	}
	if v, ok := svc.CollectionLimits[collection]; ok {
		collectionLimit = &v
	}
	limit := discovery.EffectiveLimit(c.System.GranuleLimit, op.MaxResults, serviceLimit, collectionLimit)

	chain := []workflow.StepDefinition{
		{ServiceID: discovery.DefaultServiceID},
		{
			ServiceID:         svc.ID,
			IsBatched:         svc.Batched,
			MaxBatchInputs:    svc.MaxBatchInputs,
			MaxBatchSizeBytes: svc.MaxBatchSizeBytes,
		},
	}
	return chain, limit, nil
}

// Invokers builds the serviceID → invoker map for the engine.
func (c *Config) Invokers() map[string]invocation.Invoker {
	invokers := make(map[string]invocation.Invoker, len(c.Services))
	for _, svc := range c.Services {
		invokers[svc.ID] = invocation.ForKind(svc.Invocation, svc.Endpoint)
	}
	return invokers
}
