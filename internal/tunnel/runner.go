package tunnel

import (
	"fmt"
	"io"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	xlog "github.com/xtls/xray-core/common/log"
	xcore "github.com/xtls/xray-core/core"

	"socksbridge/internal/status"
)

// DefaultCheckInterval is how often a running tunnel checks the run flag.
const DefaultCheckInterval = time.Second

// StartFunc starts a tunnel instance from a JSON configuration.
type StartFunc func(config []byte) (io.Closer, error)

// Runner runs an in-process xray-core tunnel exposing a SOCKS5 endpoint.
type Runner struct {
	checkInterval time.Duration
	logLevel      string
	start         StartFunc
}

// NewRunner creates a runner. logLevel is passed to xray-core
// (debug, info, warning, error, none).
func NewRunner(logLevel string) *Runner {
	return &Runner{
		checkInterval: DefaultCheckInterval,
		logLevel:      logLevel,
		start: func(config []byte) (io.Closer, error) {
			instance, err := xcore.StartInstance("json", config)
			if err != nil {
				return nil, err
			}
			xlog.RegisterHandler(logBridge{})
			return instance, nil
		},
	}
}

// logBridge forwards xray-core log messages to logrus.
type logBridge struct{}

func (logBridge) Handle(msg xlog.Message) {
	log.WithField("component", "xray").Debug(msg.String())
}

// Start parses descriptor, starts the tunnel listening on local and returns.
// The tunnel is closed once flag clears.
func (r *Runner) Start(descriptor string, local netip.AddrPort, flag status.RunFlag) error {
	out, err := ParseDescriptor(descriptor)
	if err != nil {
		return err
	}

	config, err := BuildConfig(out, local, r.logLevel)
	if err != nil {
		return err
	}

	instance, err := r.start(config)
	if err != nil {
		return fmt.Errorf("failed to start tunnel instance: %w", err)
	}

	log.WithFields(log.Fields{
		"protocol": out.Protocol,
		"server":   out.Endpoint(),
		"local":    local.String(),
	}).Info("Tunnel instance started")

	go r.watch(instance, flag)
	return nil
}

func (r *Runner) watch(instance io.Closer, flag status.RunFlag) {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !flag.Running() {
			break
		}
	}

	if err := instance.Close(); err != nil {
		log.WithError(err).Warn("Failed to close tunnel instance")
		return
	}
	log.Info("Tunnel instance closed")
}
