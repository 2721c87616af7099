package billing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// PricingSource hands out the pricing table in effect
type PricingSource interface {
	Current() *Pricing
}

// StaticPricing is a PricingSource that never changes
type StaticPricing struct {
	pricing *Pricing
}

// NewStaticPricing wraps a fixed table
func NewStaticPricing(p *Pricing) *StaticPricing {
	return &StaticPricing{pricing: p}
}

// Current returns the wrapped table
func (s *StaticPricing) Current() *Pricing {
	return s.pricing
}

type pricingFile struct {
	Currency             string                  `yaml:"currency"`
	FreeContactLimit     int64                   `yaml:"free_contact_limit"`
	ExtraIntegrationCost string                  `yaml:"extra_integration_cost"`
	Tiers                map[string]tierFileSpec `yaml:"tiers"`
	ContactRanges        []rangeFileSpec         `yaml:"contact_ranges"`
}

type tierFileSpec struct {
	Price string `yaml:"price"`
	Limit int64  `yaml:"limit"`
}

type rangeFileSpec struct {
	From  int64  `yaml:"from"`
	To    int64  `yaml:"to"`
	Fixed string `yaml:"fixed"`
	Unit  string `yaml:"unit"`
}

// ParsePricing decodes a YAML pricing table. Omitted sections fall back to
// the built-in defaults.
func ParsePricing(data []byte) (*Pricing, error) {
	var spec pricingFile
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse pricing: %w", err)
	}

	p := DefaultPricing()
	if spec.Currency != "" {
		p.Currency = spec.Currency
	}
	if spec.FreeContactLimit > 0 {
		p.FreeContactLimit = spec.FreeContactLimit
	}
	if spec.ExtraIntegrationCost != "" {
		cost, err := decimal.NewFromString(spec.ExtraIntegrationCost)
		if err != nil {
			return nil, fmt.Errorf("invalid extra_integration_cost: %w", err)
		}
		p.ExtraIntegrationCost = cost
	}

	if len(spec.Tiers) > 0 {
		p.Tiers = make(map[PlanTier]PlanPrice, len(spec.Tiers))
		for name, tier := range spec.Tiers {
			price, err := decimal.NewFromString(tier.Price)
			if err != nil {
				return nil, fmt.Errorf("invalid price for tier %s: %w", name, err)
			}
			p.Tiers[PlanTier(name)] = PlanPrice{Price: price, Limit: tier.Limit}
		}
	}

	if len(spec.ContactRanges) > 0 {
		p.ContactRanges = make([]ContactRange, 0, len(spec.ContactRanges))
		for _, r := range spec.ContactRanges {
			cr := ContactRange{From: r.From, To: r.To}
			var err error
			if r.Fixed != "" {
				if cr.Fixed, err = decimal.NewFromString(r.Fixed); err != nil {
					return nil, fmt.Errorf("invalid fixed price for range starting at %d: %w", r.From, err)
				}
			}
			if r.Unit != "" {
				if cr.Unit, err = decimal.NewFromString(r.Unit); err != nil {
					return nil, fmt.Errorf("invalid unit price for range starting at %d: %w", r.From, err)
				}
			}
			p.ContactRanges = append(p.ContactRanges, cr)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// FilePricingSource serves a pricing table loaded from a YAML file and
// reloads it when the file changes. A table that fails to parse is logged
// and the previous one stays in effect.
type FilePricingSource struct {
	path    string
	logger  *logrus.Logger
	current atomic.Pointer[Pricing]
	version int

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	done    chan struct{}
}

// NewFilePricingSource loads path once. Call Watch to follow changes.
func NewFilePricingSource(path string, logger *logrus.Logger) (*FilePricingSource, error) {
	s := &FilePricingSource{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the last table that loaded successfully
func (s *FilePricingSource) Current() *Pricing {
	return s.current.Load()
}

// Watch reloads the table on every write to the file until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (s *FilePricingSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create pricing watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch pricing file: %w", err)
	}
	s.watcher = watcher

	go s.loop(ctx)
	return nil
}

// Close stops watching
func (s *FilePricingSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	return err
}

func (s *FilePricingSource) loop(ctx context.Context) {
	defer close(s.done)

	name := filepath.Clean(s.path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(250 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			if err := s.reload(); err != nil {
				s.logger.WithError(err).Warn("Pricing reload failed, keeping previous table")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("Pricing watcher error")
		}
	}
}

func (s *FilePricingSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read pricing file: %w", err)
	}
	p, err := ParsePricing(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.version++
	p.Version = s.version
	s.mu.Unlock()

	s.current.Store(p)
	s.logger.WithFields(logrus.Fields{
		"path":    s.path,
		"version": p.Version,
	}).Info("Pricing table loaded")
	return nil
}
