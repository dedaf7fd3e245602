package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// Service constants.
const (
	// DefaultServiceType is the DNS-SD service browsed for receivers.
	DefaultServiceType = "_cisip2._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// BrowseTimeout is the default time FindFirst waits.
	BrowseTimeout = 10 * time.Second
)

// TXT record keys.
const (
	TXTKeyModel    = "model"
	TXTKeyFirmware = "fw"
	TXTKeyMAC      = "mac"
)

// Discovery errors.
var (
	ErrNotFound       = errors.New("no receiver found")
	ErrBrowserStopped = errors.New("browser stopped")
	ErrInvalidInfo    = errors.New("invalid advertisement")
)

// Receiver is a discovered receiver.
type Receiver struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// Host is the advertised host name.
	Host string

	// Port is the CIS-IP2 port (wire.DefaultPort if not advertised).
	Port int

	// Addresses holds every IPv4 and IPv6 address seen, IPv4 first.
	Addresses []string

	Model    string
	Firmware string
	MAC      string

	// TXT holds all TXT records, including the ones above.
	TXT TXTRecordMap
}

// Address returns host:port for the first address, or for Host if no
// address was resolved.
func (r *Receiver) Address() string {
	host := r.Host
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	port := r.Port
	if port == 0 {
		port = wire.DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ReceiverInfo is what an Advertiser publishes.
type ReceiverInfo struct {
	// Instance is the friendly name.
	Instance string

	// Port the CIS-IP2 server listens on (default: wire.DefaultPort).
	Port int

	Model    string
	Firmware string
	MAC      string
}

// Validate checks the advertisement.
func (i *ReceiverInfo) Validate() error {
	if i.Instance == "" {
		return errors.Join(ErrInvalidInfo, errors.New("empty instance name"))
	}
	if i.Port < 0 || i.Port > 65535 {
		return errors.Join(ErrInvalidInfo, errors.New("port out of range"))
	}
	return nil
}
