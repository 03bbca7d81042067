package receiver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pilebones/go-udev/netlink"

	"github.com/large-farva/satpi/internal/config"
	"github.com/large-farva/satpi/internal/logging"
)

// HotplugMonitor follows udev USB add/remove events for the configured dongle
// and keeps the receiver's availability in step with them.
type HotplugMonitor struct {
	recv     *Receiver
	logger   *slog.Logger
	vendor   string
	product  string
	OnChange func(available bool)
}

func NewHotplugMonitor(recv *Receiver, cfg config.ReceiverConfig, logger *slog.Logger) *HotplugMonitor {
	return &HotplugMonitor{
		recv:    recv,
		logger:  logging.NewComponentLogger(logger, "hotplug"),
		vendor:  normalizeID(cfg.USBVendorID),
		product: normalizeID(cfg.USBProductID),
	}
}

// Run listens until ctx is cancelled. When the netlink socket cannot be
// opened the monitor logs and returns nil, leaving the receiver as it was.
func (m *HotplugMonitor) Run(ctx context.Context) error {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("netlink socket unavailable; receiver hotplug not tracked",
			logging.Error(err),
			slog.String(logging.FieldEventType, "hotplug_connect_failed"),
		)
		return nil
	}
	defer conn.Close()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(queue, errs, m.matcher())
	defer close(quit)

	m.logger.Info("hotplug monitor started",
		slog.String("vendor", m.vendor),
		slog.String("product", m.product),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-queue:
			m.handle(ev)
		case err := <-errs:
			m.logger.Warn("netlink monitor error", logging.Error(err))
		}
	}
}

func (m *HotplugMonitor) matcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "usb",
			"DEVTYPE":   "usb_device",
		},
	})
	return rules
}

func (m *HotplugMonitor) handle(ev netlink.UEvent) {
	// PRODUCT is "<vendor>/<product>/<bcdDevice>" in unpadded hex.
	parts := strings.Split(ev.Env["PRODUCT"], "/")
	if len(parts) < 2 || normalizeID(parts[0]) != m.vendor || normalizeID(parts[1]) != m.product {
		return
	}

	var available bool
	switch string(ev.Action) {
	case "add":
		available = true
	case "remove":
		available = false
	default:
		return
	}

	if m.recv.Available() == available {
		return
	}
	m.recv.SetAvailable(available)
	m.logger.Info("receiver availability changed",
		slog.Bool("available", available),
		slog.String("devpath", ev.KObj),
	)
	if m.OnChange != nil {
		m.OnChange(available)
	}
}

func normalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.TrimLeft(id, "0")
	if id == "" {
		return "0"
	}
	return id
}
