// Package pricefeed drives engine price ticks from a simulated market.
package pricefeed

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/util"
)

// Ticker receives market prices. *engine.Exchange implements it.
type Ticker interface {
	OnPriceTick(ctx context.Context, pair string, price int64) error
}

// Config is one simulated instrument. Prices are in price units of the pair.
type Config struct {
	Pair     string
	Min      int64
	Max      int64
	Step     int64 // max move per tick, default (Max-Min)/20
	Interval time.Duration
	Seed     uint64 // 0 picks a random seed
}

func (c Config) Validate() error {
	switch {
	case c.Pair == "":
		return fmt.Errorf("pricefeed: pair is required")
	case c.Min <= 0 || c.Max < c.Min:
		return fmt.Errorf("pricefeed: invalid band [%d, %d]", c.Min, c.Max)
	case c.Interval <= 0:
		return fmt.Errorf("pricefeed: interval must be positive")
	case c.Step < 0:
		return fmt.Errorf("pricefeed: step must not be negative")
	}
	return nil
}

// Simulator moves a price in a bounded random walk and reports every move.
type Simulator struct {
	cfg    Config
	ticker Ticker
	clock  util.Clock
	rng    *rand.Rand
	log    *zap.SugaredLogger

	last int64
}

func NewSimulator(cfg Config, ticker Ticker, clock util.Clock, log *zap.SugaredLogger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Step == 0 {
		cfg.Step = max((cfg.Max-cfg.Min)/20, 1)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Simulator{
		cfg:    cfg,
		ticker: ticker,
		clock:  clock,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		log:    util.OrNop(log),
		last:   cfg.Min + (cfg.Max-cfg.Min)/2,
	}, nil
}

// Last returns the most recent simulated price
func (s *Simulator) Last() int64 { return s.last }

// Next advances the walk by one step without publishing it.
func (s *Simulator) Next() int64 {
	move := s.rng.Int64N(2*s.cfg.Step+1) - s.cfg.Step
	p := s.last + move
	// reflect at the band edges
	if p > s.cfg.Max {
		p = 2*s.cfg.Max - p
	}
	if p < s.cfg.Min {
		p = 2*s.cfg.Min - p
	}
	s.last = min(max(p, s.cfg.Min), s.cfg.Max)
	return s.last
}

// Tick advances the walk and reports the price.
func (s *Simulator) Tick(ctx context.Context) error {
	p := s.Next()
	if err := s.ticker.OnPriceTick(ctx, s.cfg.Pair, p); err != nil {
		return fmt.Errorf("price tick %s %d: %w", s.cfg.Pair, p, err)
	}
	s.log.Debugw("price_tick", "pair", s.cfg.Pair, "price", p)
	return nil
}

// Run ticks every Interval until ctx is done. Tick errors are logged.
func (s *Simulator) Run(ctx context.Context) {
	s.log.Infow("pricefeed_started", "pair", s.cfg.Pair, "min", s.cfg.Min, "max", s.cfg.Max, "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("pricefeed_stopped", "pair", s.cfg.Pair)
			return
		case <-s.clock.After(s.cfg.Interval):
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Warnw("pricefeed_tick_failed", "pair", s.cfg.Pair, "err", err)
			}
		}
	}
}
