package lock

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ElectionConfig holds configuration for leader election.
type ElectionConfig struct {
	// InstanceID uniquely identifies this instance (defaults to hostname)
	InstanceID string

	// LockName is the election lock to compete for
	LockName string

	// TTL is how long leadership is valid without a refresh (default: 30s)
	TTL time.Duration

	// RefreshInterval is how often the leader refreshes the lock (default: 10s)
	RefreshInterval time.Duration
}

// DefaultElectionConfig returns sensible defaults.
func DefaultElectionConfig(lockName string) *ElectionConfig {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance-" + time.Now().Format("20060102150405")
	}
	return &ElectionConfig{
		InstanceID:      instanceID,
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// LeaderInfo identifies the current leader of an election.
type LeaderInfo struct {
	// InstanceID is the leading instance; empty when no live leader
	InstanceID string

	// Since is when the leader first acquired leadership
	Since time.Time
}

// Election competes for a named leadership lock and keeps refreshing
// it while this instance is the leader. Leadership is advisory within
// the TTL: after a lost refresh the instance demotes itself on the
// next tick.
type Election interface {
	// Start begins competing for leadership in the background
	Start(ctx context.Context) error

	// Stop ends the election loop and releases leadership if held
	Stop()

	// TryAcquireLeadership makes one immediate acquire-or-refresh
	// attempt and reports whether this instance is now the leader.
	TryAcquireLeadership(ctx context.Context) bool

	// IsLeader reports whether this instance currently leads
	IsLeader() bool

	// GetLeader returns the current leader and when it took over;
	// the zero LeaderInfo when no live leader exists
	GetLeader(ctx context.Context) (LeaderInfo, error)

	// InstanceID returns this instance's identifier
	InstanceID() string

	// OnElected registers a callback fired on gaining leadership
	OnElected(fn func())

	// OnDeposed registers a callback fired on losing leadership
	OnDeposed(fn func())
}

// electionBackend is the storage-specific part of an election: the
// loop, demotion, and callbacks are shared across backends.
type electionBackend interface {
	init(ctx context.Context) error
	tryAcquire(ctx context.Context) bool
	refresh(ctx context.Context) bool
	release(ctx context.Context)
	leader(ctx context.Context) (LeaderInfo, error)
}

type election struct {
	cfg      *ElectionConfig
	be       electionBackend
	isLeader atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	onElected func()
	onDeposed func()
}

func newElection(cfg *ElectionConfig, be electionBackend) *election {
	if cfg == nil {
		cfg = DefaultElectionConfig("default-leader")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &election{cfg: cfg, be: be, ctx: ctx, cancel: cancel}
}

func (e *election) OnElected(fn func()) { e.onElected = fn }
func (e *election) OnDeposed(fn func()) { e.onDeposed = fn }

func (e *election) InstanceID() string { return e.cfg.InstanceID }
func (e *election) IsLeader() bool     { return e.isLeader.Load() }

func (e *election) GetLeader(ctx context.Context) (LeaderInfo, error) {
	return e.be.leader(ctx)
}

// Start implements Election.
func (e *election) Start(ctx context.Context) error {
	if err := e.be.init(ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go e.electionLoop()

	slog.Info("Leader election started",
		"instanceId", e.cfg.InstanceID,
		"lockName", e.cfg.LockName,
		"ttl", e.cfg.TTL,
		"refreshInterval", e.cfg.RefreshInterval)
	return nil
}

// Stop implements Election.
func (e *election) Stop() {
	e.cancel()
	e.wg.Wait()

	if e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.be.release(ctx)
		e.isLeader.Store(false)
	}

	slog.Info("Leader election stopped", "instanceId", e.cfg.InstanceID)
}

func (e *election) electionLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	// Compete immediately, then on every tick
	e.TryAcquireLeadership(e.ctx)

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.TryAcquireLeadership(e.ctx)
		}
	}
}

// TryAcquireLeadership implements Election.
func (e *election) TryAcquireLeadership(parent context.Context) bool {
	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()

	wasLeader := e.isLeader.Load()

	if wasLeader {
		if e.be.refresh(ctx) {
			return true
		}
		e.isLeader.Store(false)
		slog.Warn("Lost leadership - refresh failed",
			"instanceId", e.cfg.InstanceID,
			"lockName", e.cfg.LockName)
		if e.onDeposed != nil {
			e.onDeposed()
		}
	}

	if e.be.tryAcquire(ctx) {
		e.isLeader.Store(true)
		if !wasLeader {
			slog.Info("Acquired leadership",
				"instanceId", e.cfg.InstanceID,
				"lockName", e.cfg.LockName)
			if e.onElected != nil {
				e.onElected()
			}
		}
		return true
	}
	return false
}
