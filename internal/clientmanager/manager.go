// Package clientmanager supervises the pool of downstream clients: it
// starts them with exponential backoff, watches for crashes and
// reconnects, and provides the bounded-concurrency fan-out the aggregator
// uses to build the tool catalog.
package clientmanager

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ravelsys/mcp-broker/internal/brokererr"
	"github.com/ravelsys/mcp-broker/internal/config"
	"github.com/ravelsys/mcp-broker/internal/downstream"
)

const (
	startupMaxAttempts = 3

	crashMaxAttempts  = 5
	crashBaseDelay    = 30 * time.Second
	crashInitialDelay = 5 * time.Second
	crashMaxDelay     = 8 * time.Minute

	listAllToolsConcurrency = 10
	listAllToolsTimeout     = 15 * time.Second
)

var startupBackoff = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// ClientInfo mirrors a downstream's static configuration, returned by
// GetClientInfo for introspection.
type ClientInfo struct {
	Command string
	Args    []string
	Env     map[string]string
	Type    string
	Tags    []string
}

// Manager owns the live downstream pool and its supervision goroutines.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[string]*downstream.Client
	cfgs    map[string]config.ServerConfig

	onMutate func()
}

// New constructs a Manager bound to ctx: cancelling ctx stops all
// supervision goroutines. It does not close the downstream clients; only
// Shutdown does that.
func New(ctx context.Context) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*downstream.Client),
		cfgs:    make(map[string]config.ServerConfig),
	}
}

// OnMutate registers a callback invoked whenever the pool's membership
// changes (a downstream added, removed, or replaced), used by the
// aggregator to invalidate its cache.
func (m *Manager) OnMutate(fn func()) {
	m.mu.Lock()
	m.onMutate = fn
	m.mu.Unlock()
}

func (m *Manager) notifyMutate() {
	m.mu.RLock()
	fn := m.onMutate
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// StartAll attempts to start every configured downstream, each with up to
// startupMaxAttempts tries at the fixed startup backoff schedule. Failures
// are logged but never prevent other downstreams from starting; an empty
// pool is an acceptable outcome.
func (m *Manager) StartAll(cfg *config.Config) {
	var wg sync.WaitGroup
	for name, sc := range cfg.McpServers {
		wg.Add(1)
		go func(name string, sc config.ServerConfig) {
			defer wg.Done()
			m.startWithBackoff(name, sc)
		}(name, sc)
	}
	wg.Wait()
}

func (m *Manager) startWithBackoff(name string, sc config.ServerConfig) {
	var lastErr error
	for attempt := 0; attempt < startupMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(startupBackoff[attempt-1]):
			case <-m.ctx.Done():
				return
			}
		}
		client := downstream.New(sc)
		if err := client.Start(m.ctx); err != nil {
			lastErr = err
			log.Printf("clientmanager: start %s attempt %d/%d failed: %v", name, attempt+1, startupMaxAttempts, err)
			continue
		}
		m.mu.Lock()
		m.clients[name] = client
		m.cfgs[name] = sc
		m.mu.Unlock()
		m.notifyMutate()
		go m.watch(name, sc, client)
		return
	}
	log.Printf("clientmanager: giving up on %s after %d attempts: %v", name, startupMaxAttempts, lastErr)
}

// watch waits for the client's underlying process to die and, unless the
// manager has been shut down or the client was already replaced, schedules
// reconnection attempts with the crash backoff schedule.
func (m *Manager) watch(name string, sc config.ServerConfig, client *downstream.Client) {
	m.waitForDeath(client)

	select {
	case <-m.ctx.Done():
		return
	default:
	}

	if !m.isCurrent(name, client) {
		// Already replaced by a newer client (e.g. a faster-firing
		// reconnect); nothing to do.
		return
	}

	if client.ExitedCleanly() {
		log.Printf("clientmanager: %s exited cleanly, not reconnecting", name)
		return
	}

	m.reconnectWithBackoff(name, sc, client)
}

func (m *Manager) waitForDeath(client *downstream.Client) {
	select {
	case <-m.ctx.Done():
	case <-client.Done():
	}
}

func (m *Manager) isCurrent(name string, client *downstream.Client) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[name] == client
}

func (m *Manager) reconnectWithBackoff(name string, sc config.ServerConfig, dead *downstream.Client) {
	delay := crashInitialDelay
	for attempt := 1; attempt <= crashMaxAttempts; attempt++ {
		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
			return
		}

		if !m.isCurrent(name, dead) {
			return
		}

		client := downstream.New(sc)
		if err := client.Start(m.ctx); err != nil {
			log.Printf("clientmanager: reconnect %s attempt %d/%d failed: %v", name, attempt, crashMaxAttempts, err)
			delay = nextCrashDelay(attempt)
			continue
		}

		m.mu.Lock()
		m.clients[name] = client
		m.mu.Unlock()
		m.notifyMutate()
		go m.watch(name, sc, client)
		return
	}
	log.Printf("clientmanager: giving up reconnecting %s after %d attempts", name, crashMaxAttempts)
}

func nextCrashDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return crashBaseDelay
	}
	d := crashBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > crashMaxDelay {
			return crashMaxDelay
		}
	}
	return d
}

// ListAllTools fans out tools/list to every live client with bounded
// concurrency, substituting an empty list for any client that is dead or
// errors, so one failing downstream never blocks the aggregate result.
func (m *Manager) ListAllTools(ctx context.Context) map[string][]downstream.RawTool {
	m.mu.RLock()
	snapshot := make(map[string]*downstream.Client, len(m.clients))
	for name, c := range m.clients {
		snapshot[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string][]downstream.RawTool, len(snapshot))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, listAllToolsConcurrency)

	for name, client := range snapshot {
		wg.Add(1)
		go func(name string, client *downstream.Client) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			tools := m.queryOne(ctx, name, client)

			mu.Lock()
			results[name] = tools
			mu.Unlock()
		}(name, client)
	}
	wg.Wait()
	return results
}

func (m *Manager) queryOne(ctx context.Context, name string, client *downstream.Client) []downstream.RawTool {
	if client.State() == downstream.StateDead || client.State() == downstream.StateClosing {
		return []downstream.RawTool{}
	}
	qctx, cancel := context.WithTimeout(ctx, listAllToolsTimeout)
	defer cancel()
	tools, err := client.ListTools(qctx)
	if err != nil {
		log.Printf("clientmanager: list_tools for %s failed: %v", name, err)
		return []downstream.RawTool{}
	}
	return tools
}

// CallTool routes a call to the named downstream's original tool name.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, arguments any) ([]byte, error) {
	m.mu.RLock()
	client, ok := m.clients[serverName]
	m.mu.RUnlock()
	if !ok || client.State() == downstream.StateDead || client.State() == downstream.StateClosing {
		return nil, brokererr.New(brokererr.KindClientNotFound, "downstream "+serverName+" is not available")
	}
	return client.CallTool(ctx, toolName, arguments)
}

// GetClientInfo returns the static configuration of each downstream that
// started successfully at least once, keyed by server name. Configured
// downstreams that never started are not included.
func (m *Manager) GetClientInfo() map[string]ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := make(map[string]ClientInfo, len(m.cfgs))
	for name, sc := range m.cfgs {
		info[name] = ClientInfo{
			Command: sc.Command,
			Args:    append([]string(nil), sc.Args...),
			Env:     sc.Env,
			Type:    sc.Type,
			Tags:    append([]string(nil), sc.Tags...),
		}
	}
	return info
}

// Names returns the names of currently live (ready) downstreams.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name, c := range m.clients {
		if c.State() == downstream.StateReady {
			names = append(names, name)
		}
	}
	return names
}

// Tags returns the configured tag set for a downstream, or nil if unknown.
func (m *Manager) Tags(serverName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.cfgs[serverName]
	if !ok {
		return nil
	}
	return sc.Tags
}

// Shutdown tears down every downstream client and stops supervision.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.clients {
		if err := c.Close(); err != nil {
			log.Printf("clientmanager: close %s: %v", name, err)
		}
	}
}
