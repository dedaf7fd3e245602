package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// Registration is a live advertisement.
type Registration interface {
	Shutdown()
}

// RegisterFunc publishes a DNS-SD service.
type RegisterFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface, ttl time.Duration) (Registration, error)

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// ServiceType to publish (default: DefaultServiceType).
	ServiceType string

	// Interfaces to advertise on (default: all).
	Interfaces []string

	// TTL of the records (default: library default).
	TTL time.Duration

	// Register overrides the mDNS server (default: zeroconf).
	Register RegisterFunc

	Logger *slog.Logger
}

// Advertiser publishes a receiver, used by the simulator.
type Advertiser struct {
	config AdvertiserConfig

	mu     sync.Mutex
	server Registration
	info   *ReceiverInfo
}

// NewAdvertiser creates an advertiser.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	if config.ServiceType == "" {
		config.ServiceType = DefaultServiceType
	}
	if config.Register == nil {
		config.Register = zeroconfRegister
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Advertiser{config: config}
}

// Advertise publishes info, replacing any earlier advertisement.
func (a *Advertiser) Advertise(info *ReceiverInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	port := info.Port
	if port == 0 {
		port = wire.DefaultPort
	}

	ifaces, err := a.interfaces()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	txt := TXTRecordsToStrings(EncodeReceiverTXT(info))
	server, err := a.config.Register(info.Instance, a.config.ServiceType, Domain, port, txt, ifaces, a.config.TTL)
	if err != nil {
		return fmt.Errorf("register %s: %w", info.Instance, err)
	}
	a.server = server
	a.info = info

	a.config.Logger.Info("advertising receiver",
		slog.String("instance", info.Instance),
		slog.String("service", a.config.ServiceType),
		slog.Int("port", port))
	return nil
}

// Advertised returns the current advertisement, or nil.
func (a *Advertiser) Advertised() *ReceiverInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.info = nil
	}
}

func (a *Advertiser) interfaces() ([]net.Interface, error) {
	var ifaces []net.Interface
	for _, name := range a.config.Interfaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", name, err)
		}
		ifaces = append(ifaces, *iface)
	}
	return ifaces, nil
}

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface, ttl time.Duration) (Registration, error) {
	var opts []zeroconf.ServerOption
	if ttl > 0 {
		opts = append(opts, zeroconf.TTL(uint32(ttl.Seconds())))
	}
	server, err := zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
	if err != nil {
		return nil, err
	}
	return server, nil
}
