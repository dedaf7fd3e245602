package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// ServiceEntry is a raw DNS-SD answer, independent of the mDNS library.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     int
	Text     []string
	Addrs    []string
}

// BrowseFunc streams DNS-SD answers for service until ctx is done. add is
// called for each answer, remove when an answer expires.
type BrowseFunc func(ctx context.Context, service, domain string, add, remove func(ServiceEntry)) error

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	// ServiceType to browse (default: DefaultServiceType).
	ServiceType string

	// Interface restricts browsing to one network interface (default: all).
	Interface string

	// Timeout bounds FindFirst and Scan (default: BrowseTimeout).
	Timeout time.Duration

	// Browse overrides the mDNS lookup (default: zeroconf).
	Browse BrowseFunc

	// Logger for operational logs (default: slog.Default()).
	Logger *slog.Logger
}

// Browser finds receivers.
type Browser struct {
	config BrowserConfig

	mu      sync.Mutex
	stopped bool
	cancels map[int]context.CancelFunc
	nextID  int
}

// NewBrowser creates a browser.
func NewBrowser(config BrowserConfig) *Browser {
	if config.ServiceType == "" {
		config.ServiceType = DefaultServiceType
	}
	if config.Timeout <= 0 {
		config.Timeout = BrowseTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Browse == nil {
		config.Browse = zeroconfBrowse(config.Interface)
	}
	return &Browser{config: config, cancels: make(map[int]context.CancelFunc)}
}

// Browse reports receivers as they are found. Answers for the same
// instance are merged; a receiver is sent once, when first seen. The
// channel is closed when ctx is done or Stop is called.
func (b *Browser) Browse(ctx context.Context) (<-chan *Receiver, error) {
	ctx, release, err := b.track(ctx)
	if err != nil {
		return nil, err
	}

	type update struct {
		entry   ServiceEntry
		removed bool
	}
	updates := make(chan update)
	push := func(u update) {
		select {
		case updates <- u:
		case <-ctx.Done():
		}
	}

	go func() {
		err := b.config.Browse(ctx, b.config.ServiceType, Domain,
			func(e ServiceEntry) { push(update{entry: e}) },
			func(e ServiceEntry) { push(update{entry: e, removed: true}) })
		if err != nil && ctx.Err() == nil {
			b.config.Logger.Warn("mdns browse failed", slog.String("service", b.config.ServiceType), slog.Any("error", err))
		}
	}()

	out := make(chan *Receiver)
	go func() {
		defer close(out)
		defer release()

		receivers := make(map[string]*Receiver)
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-updates:
				if u.removed {
					if existing, ok := receivers[u.entry.Instance]; ok {
						existing.Addresses = removeAddresses(existing.Addresses, u.entry.Addrs)
						if len(existing.Addresses) == 0 {
							delete(receivers, u.entry.Instance)
						}
					}
					continue
				}

				r := entryToReceiver(u.entry)
				if existing, ok := receivers[r.Instance]; ok {
					existing.Addresses = mergeAddresses(existing.Addresses, r.Addresses)
					continue
				}
				receivers[r.Instance] = r
				// Send a copy; later merges must not race with the reader.
				c := *r
				c.Addresses = append([]string(nil), r.Addresses...)
				select {
				case out <- &c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// FindFirst returns the first receiver found, or ErrNotFound after the
// configured timeout.
func (b *Browser) FindFirst(ctx context.Context) (*Receiver, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	found, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	r, ok := <-found
	if !ok {
		if err := b.checkStopped(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return r, nil
}

// FindByName returns the receiver with the given instance name.
func (b *Browser) FindByName(ctx context.Context, instance string) (*Receiver, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	found, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for r := range found {
		if r.Instance == instance {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, instance)
}

// Scan collects every receiver answering within the configured timeout.
func (b *Browser) Scan(ctx context.Context) ([]*Receiver, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	found, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Receiver
	for r := range found {
		out = append(out, r)
	}
	return out, nil
}

// Stop ends all active browse operations. Later calls return
// ErrBrowserStopped.
func (b *Browser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	for id, cancel := range b.cancels {
		cancel()
		delete(b.cancels, id)
	}
}

func (b *Browser) track(ctx context.Context) (context.Context, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, nil, ErrBrowserStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	id := b.nextID
	b.nextID++
	b.cancels[id] = cancel
	return ctx, func() {
		cancel()
		b.mu.Lock()
		delete(b.cancels, id)
		b.mu.Unlock()
	}, nil
}

func (b *Browser) checkStopped() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrBrowserStopped
	}
	return nil
}

func entryToReceiver(e ServiceEntry) *Receiver {
	txt := StringsToTXTRecords(e.Text)
	port := e.Port
	if port == 0 {
		port = wire.DefaultPort
	}
	return &Receiver{
		Instance:  e.Instance,
		Host:      e.Host,
		Port:      port,
		Addresses: mergeAddresses(nil, e.Addrs),
		Model:     txt[TXTKeyModel],
		Firmware:  txt[TXTKeyFirmware],
		MAC:       txt[TXTKeyMAC],
		TXT:       txt,
	}
}

// zeroconfBrowse adapts zeroconf.Browse to BrowseFunc.
func zeroconfBrowse(ifaceName string) BrowseFunc {
	return func(ctx context.Context, service, domain string, add, remove func(ServiceEntry)) error {
		var opts []zeroconf.ClientOption
		if ifaceName != "" {
			iface, err := net.InterfaceByName(ifaceName)
			if err != nil {
				return fmt.Errorf("interface %s: %w", ifaceName, err)
			}
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}

		entries := make(chan *zeroconf.ServiceEntry)
		removed := make(chan *zeroconf.ServiceEntry)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-entries:
					if !ok {
						return
					}
					add(fromZeroconf(e))
				case e, ok := <-removed:
					if !ok {
						removed = nil
						continue
					}
					remove(fromZeroconf(e))
				}
			}
		}()
		return zeroconf.Browse(ctx, service, domain, entries, removed, opts...)
	}
}

func fromZeroconf(e *zeroconf.ServiceEntry) ServiceEntry {
	addrs := make([]string, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	for _, ip := range e.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return ServiceEntry{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Text:     e.Text,
		Addrs:    addrs,
	}
}

// mergeAddresses appends the addresses of add not already in existing.
func mergeAddresses(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range add {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

func removeAddresses(addresses, gone []string) []string {
	drop := make(map[string]bool, len(gone))
	for _, addr := range gone {
		drop[addr] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !drop[addr] {
			result = append(result, addr)
		}
	}
	return result
}
