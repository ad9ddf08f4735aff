package dimse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AssociationPool reuses SCU associations to one peer. Retrieve
// sub-operations and destination probing open associations to the same
// remote nodes repeatedly; keeping them open avoids renegotiating for
// every message.
type AssociationPool struct {
	config      AssociationConfig
	maxSize     int
	maxIdleTime time.Duration

	mu   sync.Mutex
	idle []*Association

	sweepTicker *time.Ticker
	done        chan struct{}
}

// PoolConfig holds configuration for an association pool.
type PoolConfig struct {
	AssociationConfig
	MaxPoolSize int
	MaxIdleTime time.Duration
}

// NewAssociationPool creates a pool and starts its idle sweeper.
func NewAssociationPool(config PoolConfig) *AssociationPool {
	if config.MaxPoolSize == 0 {
		config.MaxPoolSize = 5
	}
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = 5 * time.Minute
	}

	pool := &AssociationPool{
		config:      config.AssociationConfig,
		maxSize:     config.MaxPoolSize,
		maxIdleTime: config.MaxIdleTime,
		idle:        make([]*Association, 0, config.MaxPoolSize),
		sweepTicker: time.NewTicker(1 * time.Minute),
		done:        make(chan struct{}),
	}
	go pool.sweep()
	return pool
}

// Get returns an established association, reusing an idle one when
// available.
func (p *AssociationPool) Get(ctx context.Context) (*Association, error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		assoc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if assoc.IsConnected() {
			p.mu.Unlock()
			return assoc, nil
		}
		assoc.Close()
	}
	p.mu.Unlock()

	assoc := NewAssociation(p.config)
	if err := assoc.Connect(ctx); err != nil {
		return nil, err
	}
	return assoc, nil
}

// Put returns an association to the pool. Broken or surplus associations
// are closed instead.
func (p *AssociationPool) Put(assoc *Association) {
	if !assoc.IsConnected() {
		assoc.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.maxSize {
		assoc.Close()
		return
	}
	p.idle = append(p.idle, assoc)
}

// Close releases every pooled association and stops the sweeper.
func (p *AssociationPool) Close() error {
	close(p.done)
	p.sweepTicker.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	var failed int
	for _, assoc := range p.idle {
		if err := assoc.Close(); err != nil {
			failed++
		}
	}
	p.idle = nil

	if failed > 0 {
		return fmt.Errorf("failed to close %d pooled associations", failed)
	}
	return nil
}

func (p *AssociationPool) sweep() {
	for {
		select {
		case <-p.sweepTicker.C:
			p.closeIdle()
		case <-p.done:
			return
		}
	}
}

func (p *AssociationPool) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.idle[:0]
	closed := 0
	for _, assoc := range p.idle {
		if assoc.IsConnected() && now.Sub(assoc.GetLastUsed()) <= p.maxIdleTime {
			kept = append(kept, assoc)
			continue
		}
		assoc.Close()
		closed++
	}
	p.idle = kept
	if closed > 0 {
		log.Debug().
			Int("closed", closed).
			Str("peer", p.config.CalledAET).
			Msg("Closed idle associations")
	}
}

// Stats reports the current pool occupancy.
func (p *AssociationPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{IdleAssociations: len(p.idle), MaxSize: p.maxSize}
}

// PoolStats holds pool occupancy counters.
type PoolStats struct {
	IdleAssociations int
	MaxSize          int
}
