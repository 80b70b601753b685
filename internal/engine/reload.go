package engine

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"vlesscore/internal/core"
	"vlesscore/internal/dnsintercept"
	"vlesscore/internal/fakeip"
	"vlesscore/internal/geoip"
	"vlesscore/internal/netstack"
	"vlesscore/internal/router"
	"vlesscore/internal/transport"
	"vlesscore/internal/vlessconfig"
)

// StackTick is the §4.1/§5 cadence the reload controller drives all
// periodic work at: stack timeout checks every tick, and the UDP sweeper
// once every four ticks (1s). Mux keepalive runs on its own goroutine inside
// MuxClient, not off this tick.
const StackTick = 250 * time.Millisecond

// Stats is read_stats's payload (§6): cumulative byte counters, reset only
// on a full teardown (config switch or process stop), never on a settings
// reload that doesn't change the active config.
type Stats struct {
	BytesIn  uint64
	BytesOut uint64
}

// Settings is the subset of process-level settings a reload cares about:
// whether IPv6 is enabled end-to-end (stack address + DNS AAAA synthesis)
// triggers a full re-init rather than an in-place rebuild (§4.9).
type Settings struct {
	MTU       uint32
	IPv4Addr  netip.Addr
	IPv6Addr  netip.Addr
	IPv6      bool
	DoHEnable bool
	Bypass    map[string]bool
}

// Engine owns the running data path: the stack, the two flow handlers, the
// DNS interceptor, and the settings/routing state the reload controller
// compares against on each notify call (§4.9).
type Engine struct {
	mu sync.Mutex

	settings Settings
	rules    []router.Rule
	configs  map[string]*vlessconfig.VlessConfig
	geoDB    *geoip.Resolver
	active   *vlessconfig.VlessConfig

	dialer transport.Dialer

	stack      *netstack.Stack
	tcpHandler *TCPHandler
	udpHandler *UDPHandler
	resolver   *Resolver
	pool       *fakeip.Pool
	domRouter  *router.DomainRouter
	dns        *dnsintercept.Interceptor

	stopTick       chan struct{}
	counters       *Counters
	events         *core.EventBus
	routingVersion int
}

// NewEngine constructs an Engine with nothing running; call Start to bring
// the stack up for the first time. events may be nil if the host has no
// interest in EventSettingsChanged/EventRoutingChanged/EventStackReloaded
// notifications.
func NewEngine(dialer transport.Dialer, events *core.EventBus) *Engine {
	return &Engine{dialer: dialer, pool: fakeip.New(), counters: &Counters{}, events: events}
}

func (e *Engine) publish(t core.EventType, payload any) {
	if e.events != nil {
		e.events.Publish(core.Event{Type: t, Payload: payload})
	}
}

// Start performs the first full init: build the router, the fake-IP pool,
// the stack, and both handlers, then begin the stack tick (§6 "start").
func (e *Engine) Start(settings Settings, rules []router.Rule, configs map[string]*vlessconfig.VlessConfig, active *vlessconfig.VlessConfig, geoDB *geoip.Resolver) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.settings = settings
	e.rules = rules
	e.configs = configs
	e.active = active
	e.geoDB = geoDB
	e.pool.Flush()

	if err := e.initLocked(); err != nil {
		e.publish(core.EventStackReloaded, core.ReloadPayload{Err: err})
		return fmt.Errorf("%w: %s", ErrStackReload, err)
	}
	e.publish(core.EventStackReloaded, core.ReloadPayload{})
	core.Log.Infof("Engine", "started with %d configs, active=%q", len(configs), activeName(active))
	return nil
}

func activeName(cfg *vlessconfig.VlessConfig) string {
	if cfg == nil {
		return ""
	}
	return cfg.Name
}

// initLocked builds the router/stack/handlers from the engine's current
// settings/rules/configs and rebuilds the fake-IP pool's existing bindings
// against the new router. Caller must hold e.mu.
func (e *Engine) initLocked() error {
	e.domRouter = router.New(e.rules, e.configs)
	e.pool.Rebuild(e.domRouter)

	e.resolver = &Resolver{Pool: e.pool, GeoIP: e.geoDB, Bypass: e.settings.Bypass}
	e.dns = &dnsintercept.Interceptor{Router: e.domRouter, Pool: e.pool, IPv6: e.settings.IPv6, DoHEnable: e.settings.DoHEnable}

	e.tcpHandler = NewTCPHandler(e.resolver, e.dialer, e.counters)
	e.udpHandler = NewUDPHandler(e.resolver, nil, e.dialer, e.dns, e.counters)

	stackOpts := netstack.Options{
		MTU:      e.settings.MTU,
		IPv4Addr: e.settings.IPv4Addr,
		OnTCP:    e.tcpHandler.Accept,
		OnUDP:    e.udpHandler.Receive,
	}
	if e.settings.IPv6 {
		stackOpts.IPv6Addr = e.settings.IPv6Addr
	}

	stack, err := netstack.New(stackOpts)
	if err != nil {
		return fmt.Errorf("init stack: %w", err)
	}
	e.stack = stack
	e.udpHandler.Stack = stack

	e.startTickLocked()
	return nil
}

func (e *Engine) startTickLocked() {
	e.stopTick = make(chan struct{})
	stopCh := e.stopTick
	stack := e.stack
	udp := e.udpHandler
	go func() {
		ticker := time.NewTicker(StackTick)
		defer ticker.Stop()
		elapsed := time.Duration(0)
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				stack.CheckTimeouts()
				elapsed += StackTick
				if elapsed >= time.Second {
					elapsed = 0
					udp.Sweep()
				}
			}
		}
	}()
}

// teardownLocked stops the tick goroutine and closes the stack (§4.9 "full
// teardown"). It does not close mux clients or UDP flows held by the old
// UDPHandler. Caller must hold e.mu.
func (e *Engine) teardownLocked() {
	if e.stopTick != nil {
		close(e.stopTick)
		e.stopTick = nil
	}
	if e.stack != nil {
		e.stack.Close()
		e.stack = nil
	}
}

// Stop performs a full teardown and resets the stats counters (§6 "stop").
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	e.counters = &Counters{}
	core.Log.Infof("Engine", "stopped")
}

// SwitchConfig replaces the active proxy config and rebuilds the fake-IP
// pool's bindings against it — a full teardown/re-init, mirroring what a
// config-id change to the default route implies (§4.9, §6 "switch_config").
func (e *Engine) SwitchConfig(active *vlessconfig.VlessConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	e.active = active
	e.counters = &Counters{}
	if err := e.initLocked(); err != nil {
		e.publish(core.EventStackReloaded, core.ReloadPayload{Err: err})
		return fmt.Errorf("%w: switch_config: %s", ErrStackReload, err)
	}
	e.publish(core.EventStackReloaded, core.ReloadPayload{})
	core.Log.Infof("Engine", "switched active config to %q", activeName(active))
	return nil
}

// NotifySettingsChanged applies a new Settings value (§4.9, §6
// "notify_settings_changed"): an IPv6 toggle forces a full re-init since the
// stack's address set and DNS AAAA behavior both depend on it; anything
// else only needs the DNS interceptor's flags refreshed in place.
func (e *Engine) NotifySettingsChanged(settings Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ipv6Changed := settings.IPv6 != e.settings.IPv6
	e.settings = settings
	if e.dns != nil {
		e.dns.IPv6 = settings.IPv6
		e.dns.DoHEnable = settings.DoHEnable
	}
	if e.resolver != nil {
		e.resolver.Bypass = settings.Bypass
	}

	e.publish(core.EventSettingsChanged, core.SettingsPayload{
		IPv6Enabled:       settings.IPv6,
		DoHEnabled:        settings.DoHEnable,
		BypassCountryCode: bypassCountryCode(settings.Bypass),
	})

	if ipv6Changed {
		e.teardownLocked()
		if err := e.initLocked(); err != nil {
			e.publish(core.EventStackReloaded, core.ReloadPayload{Err: err})
			return fmt.Errorf("%w: notify_settings_changed: %s", ErrStackReload, err)
		}
		e.publish(core.EventStackReloaded, core.ReloadPayload{})
		core.Log.Infof("Engine", "ipv6 toggled to %v, stack re-initialized", settings.IPv6)
	}
	return nil
}

// bypassCountryCode picks one representative country code out of the
// bypass set for SettingsPayload, which (per §6) only ever carries a single
// code; a multi-country bypass list is this engine's own extension beyond
// that single-code field.
func bypassCountryCode(bypass map[string]bool) string {
	for code := range bypass {
		return code
	}
	return ""
}

// NotifyRoutingChanged recompiles the domain router and rebuilds the
// fake-IP pool's existing bindings against it in place (§4.7 "Rebuild",
// §4.9, §6 "notify_routing_changed"). No stack re-init is needed: routing
// decisions are consulted per-flow, not baked into the stack.
func (e *Engine) NotifyRoutingChanged(rules []router.Rule, configs map[string]*vlessconfig.VlessConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	e.configs = configs
	e.domRouter = router.New(rules, configs)
	e.pool.Rebuild(e.domRouter)
	if e.dns != nil {
		e.dns.Router = e.domRouter
	}
	if e.tcpHandler != nil && e.resolver != nil {
		e.resolver.Pool = e.pool
	}
	e.routingVersion++
	e.publish(core.EventRoutingChanged, core.RoutingPayload{Version: e.routingVersion})
	core.Log.Infof("Engine", "routing reloaded: %d rules, %d configs", len(rules), len(configs))
}

// ReadStats returns a snapshot of the cumulative byte counters (§6
// "read_stats").
func (e *Engine) ReadStats() Stats {
	e.mu.Lock()
	counters := e.counters
	e.mu.Unlock()
	return Stats{
		BytesIn:  counters.BytesIn.Load(),
		BytesOut: counters.BytesOut.Load(),
	}
}
