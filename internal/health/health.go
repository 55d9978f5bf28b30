// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/approval-auditor/internal/chains"
	"github.com/mbd888/approval-auditor/internal/evm"
	"github.com/mbd888/approval-auditor/internal/metrics"
)

// DefaultCheckTimeout bounds a single checker.
const DefaultCheckTimeout = 5 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	check    Checker
	critical bool
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// Register adds a named checker whose failure makes the service unhealthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check, critical: true})
}

// RegisterOptional adds a checker that is reported but never fails the
// aggregate. Chain RPCs are optional: an audit tolerates a dead chain.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			s := nc.check(cctx)
			if s.Name == "" {
				s.Name = nc.name
			}
			s.Critical = nc.critical
			statuses[i] = s
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, s := range statuses {
		if s.Critical && !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// ClientSource hands out chain clients. *evm.Pool satisfies it.
type ClientSource interface {
	Client(ctx context.Context, chainID int64) (evm.Client, error)
}

// ChainChecker probes a chain's RPC with eth_blockNumber.
func ChainChecker(d chains.Descriptor, src ClientSource) Checker {
	name := fmt.Sprintf("chain:%d", d.ID)
	return func(ctx context.Context) Status {
		client, err := src.Client(ctx, d.ID)
		if err != nil {
			metrics.ObserveChainProbe(d.ID, 0, false)
			return Status{Name: name, Detail: "dial failed"}
		}
		head, err := client.BlockNumber(ctx)
		if err != nil {
			metrics.ObserveChainProbe(d.ID, 0, false)
			return Status{Name: name, Detail: evm.ClassifyRPCError(err)}
		}
		metrics.ObserveChainProbe(d.ID, head, true)
		return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%s head %d", d.Name, head)}
	}
}

// DBChecker pings a database.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: "ping failed"}
		}
		return Status{Name: "database", Healthy: true}
	}
}
