package session

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"socksbridge/internal/addressing"
	"socksbridge/internal/iface"
	"socksbridge/internal/redirect"
	"socksbridge/internal/status"
	"socksbridge/pkg/types"
)

// DefaultSettleDelay is the fixed pause after starting a tunnel.
const DefaultSettleDelay = time.Second

// Resolver resolves the proxy endpoint.
type Resolver interface {
	Resolve(ctx context.Context, endpoint string) (netip.AddrPort, error)
	LocalEndpoint() (netip.AddrPort, error)
}

// InterfaceLister enumerates usable interfaces.
type InterfaceLister interface {
	List() ([]iface.Info, error)
}

// Classifier runs NAT classification through a proxy.
type Classifier interface {
	Classify(ctx context.Context, proxy netip.AddrPort, creds *types.Credentials) (*types.TestResult, error)
}

// TunnelRunner starts an encrypted tunnel exposing a SOCKS5 endpoint on local.
// It returns once the tunnel has started and runs until flag clears.
type TunnelRunner interface {
	Start(descriptor string, local netip.AddrPort, flag status.RunFlag) error
}

// Redirector starts the packet capture and relay worker.
type Redirector interface {
	Start(cfg redirect.Config, flag status.RunFlag, upload, download status.TrafficCounter) error
}

// Prober starts the latency probe worker.
type Prober interface {
	Start(proxy netip.AddrPort, creds *types.Credentials, flag status.RunFlag, sink status.LatencySink) error
}

// Dependencies are the collaborators used by the orchestrator.
type Dependencies struct {
	Resolver   Resolver
	Interfaces InterfaceLister
	Classifier Classifier
	Tunnel     TunnelRunner
	Redirector Redirector
	Prober     Prober
}

// State is the orchestrator lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Orchestrator sequences NAT classification, tunnel, redirection and latency
// probing into one session. Start, Test, Stop and Poll are meant to be called
// from a single control goroutine; overlapping Start calls are the caller's
// responsibility to prevent.
type Orchestrator struct {
	status      *status.Status
	deps        Dependencies
	settleDelay time.Duration
	sleep       func(time.Duration)
	state       atomic.Int32
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSettleDelay overrides the pause after a tunnel starts.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.settleDelay = d
		}
	}
}

// NewOrchestrator creates an idle orchestrator publishing to st.
func NewOrchestrator(st *status.Status, deps Dependencies, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		status:      st,
		deps:        deps,
		settleDelay: DefaultSettleDelay,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the lifecycle state. A running session whose flag was
// cleared by a failing worker reports idle.
func (o *Orchestrator) State() State {
	s := State(o.state.Load())
	if s == StateRunning && !o.status.Running() {
		return StateIdle
	}
	return s
}

// Interfaces lists the interfaces a session can use.
func (o *Orchestrator) Interfaces() ([]iface.Info, error) {
	return o.deps.Interfaces.List()
}

// proxyEndpoint returns where SOCKS5 traffic goes: the resolved destination,
// or a fresh loopback port served by the tunnel.
func (o *Orchestrator) proxyEndpoint(ctx context.Context, cfg types.SessionConfig) (netip.AddrPort, *types.Credentials, error) {
	if cfg.HasTunnel() {
		local, err := o.deps.Resolver.LocalEndpoint()
		if err != nil {
			return netip.AddrPort{}, nil, newError(KindAddressing, err)
		}
		return local, nil, nil
	}

	proxy, err := o.deps.Resolver.Resolve(ctx, cfg.Destination)
	if err != nil {
		return netip.AddrPort{}, nil, newError(KindAddressing, err)
	}
	return proxy, cfg.Credentials, nil
}

// startTunnel starts the tunnel when configured and waits the settle delay.
// The delay is a fixed grace period, not a readiness check.
func (o *Orchestrator) startTunnel(cfg types.SessionConfig, local netip.AddrPort, flag status.RunFlag) error {
	if !cfg.HasTunnel() {
		return nil
	}
	if err := o.deps.Tunnel.Start(cfg.Tunnel, local, flag); err != nil {
		return newError(KindTunnel, err)
	}
	log.WithFields(log.Fields{
		"local":  local.String(),
		"settle": o.settleDelay,
	}).Info("Tunnel started, waiting for it to settle")
	o.sleep(o.settleDelay)
	return nil
}

// Test runs NAT classification only. It uses a private running flag so a
// session that is already running is left alone.
func (o *Orchestrator) Test(ctx context.Context, cfg types.SessionConfig) (*types.TestResult, error) {
	proxy, creds, err := o.proxyEndpoint(ctx, cfg)
	if err != nil {
		return nil, err
	}

	flag := &status.Flag{}
	flag.Set()
	defer flag.Halt()

	if err := o.startTunnel(cfg, proxy, flag); err != nil {
		return nil, err
	}

	res, err := o.deps.Classifier.Classify(ctx, proxy, creds)
	if err != nil {
		return nil, newError(KindClassification, err)
	}

	log.WithFields(log.Fields{
		"proxy":    proxy.String(),
		"nat":      res.NAT,
		"external": res.ExternalAddr,
	}).Info("NAT classification complete")
	return res, nil
}

// Start brings up a session. On any failure after the running flag was
// raised, the flag is cleared before the error is returned; workers already
// started stop on their own when they observe it.
func (o *Orchestrator) Start(ctx context.Context, cfg types.SessionConfig) (*types.SessionResult, error) {
	o.state.Store(int32(StateStarting))

	result, err := o.start(ctx, cfg)
	if err != nil {
		o.state.Store(int32(StateIdle))
		log.WithError(err).Error("Session start failed")
		return nil, err
	}

	o.state.Store(int32(StateRunning))
	return result, nil
}

func (o *Orchestrator) start(ctx context.Context, cfg types.SessionConfig) (*types.SessionResult, error) {
	proxy, creds, err := o.proxyEndpoint(ctx, cfg)
	if err != nil {
		return nil, err
	}

	list, err := o.deps.Interfaces.List()
	if err != nil {
		return nil, newError(KindNotFound, err)
	}
	info, ok := iface.Find(list, cfg.Interface)
	if !ok {
		return nil, newError(KindNotFound, fmt.Errorf("interface %q not found", cfg.Interface))
	}

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = info.MTU
	}
	if mtu <= 0 {
		return nil, newError(KindConfiguration, fmt.Errorf("cannot determine MTU of interface %q", info.Name))
	}

	dev, err := addressing.DeriveDevice(cfg.Preset, cfg.Source, cfg.Publish, info.IP)
	if err != nil {
		return nil, newError(KindAddressing, err)
	}

	log.WithFields(log.Fields{
		"interface": info.Label,
		"mtu":       mtu,
		"preset":    cfg.Preset,
		"source":    dev.Network.String(),
		"gateway":   dev.Gateway.String(),
		"proxy":     proxy.String(),
	}).Info("Starting session")

	flag := o.status.Begin()

	if err := o.startTunnel(cfg, proxy, flag); err != nil {
		flag.Halt()
		return nil, err
	}

	res, err := o.deps.Classifier.Classify(ctx, proxy, creds)
	if err != nil {
		flag.Halt()
		return nil, newError(KindClassification, err)
	}

	rcfg := redirect.Config{
		Interface:   info,
		MTU:         mtu,
		Network:     dev.Network,
		Publish:     dev.Publish,
		Proxy:       proxy,
		Credentials: creds,
	}
	if err := o.deps.Redirector.Start(rcfg, flag, &o.status.Upload, &o.status.Download); err != nil {
		flag.Halt()
		return nil, newError(KindRedirection, err)
	}

	if err := o.deps.Prober.Start(proxy, creds, flag, &o.status.Latency); err != nil {
		flag.Halt()
		return nil, newError(KindProbe, err)
	}

	result := &types.SessionResult{
		NAT:          res.NAT,
		ExternalAddr: res.ExternalAddr,
		DeviceRange:  addressing.RangeString(dev.Network),
		Mask:         addressing.MaskString(dev.Mask),
		Gateway:      dev.Gateway.String(),
		MTU:          mtu,
		Proxy:        proxy.String(),
	}

	log.WithFields(log.Fields{
		"nat":     result.NAT,
		"devices": result.DeviceRange,
		"mask":    result.Mask,
		"gateway": result.Gateway,
	}).Info("Session running")

	return result, nil
}

// Stop clears the running flag and zeroes all counters. Stopping an idle
// orchestrator is a no-op.
func (o *Orchestrator) Stop() {
	wasRunning := o.status.Running()
	o.state.Store(int32(StateStopping))
	o.status.Reset()
	o.state.Store(int32(StateIdle))

	if wasRunning {
		log.Info("Session stopped")
	}
}

// Poll reads the run flag and latency and drains the traffic counters.
func (o *Orchestrator) Poll() types.Snapshot {
	return o.status.Poll()
}
