package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cisip-protocol/cisip-go/pkg/catalog"
	"github.com/cisip-protocol/cisip-go/pkg/log"
	"github.com/cisip-protocol/cisip-go/pkg/transport"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// Error details sent in error records.
const (
	DetailUnknownFeature = "unknown feature"
	DetailNotReadable    = "not readable"
	DetailUnexpectedType = "unexpected type"
)

// Config configures a Simulator.
type Config struct {
	// Address to listen on (default "127.0.0.1:0").
	Address string

	// ModelName reported by system.modelname (default "STR-SIM1").
	ModelName string

	// Version reported by system.version.
	Version string

	// Catalog of features (default: catalog.Default()).
	Catalog *catalog.Catalog

	// Values override the seeded values.
	Values map[string]any

	// ResponseDelay delays every answer.
	ResponseDelay time.Duration

	// Faults to start with; see SetFaults.
	Faults Faults

	// StatePath keeps values across restarts: loaded on Start, saved on
	// Stop. Loaded values win over seeds; Values still win over both.
	StatePath string

	// Logger for operational logs (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger captures frames on the server side (optional).
	ProtocolLogger log.Logger
}

// Simulator is a fake receiver.
type Simulator struct {
	config  Config
	catalog *catalog.Catalog
	logger  *slog.Logger
	server  *transport.Server
	state   *StateStore

	mu       sync.Mutex
	values   map[string]any
	faults   Faults
	received []*wire.Message

	// writeMu keeps notify broadcasts and answers whole per connection.
	writeMu sync.Mutex
}

// New creates a simulator with seeded values.
func New(config Config) *Simulator {
	if config.Address == "" {
		config.Address = "127.0.0.1:0"
	}
	if config.ModelName == "" {
		config.ModelName = "STR-SIM1"
	}
	if config.Version == "" {
		config.Version = "1.0.0"
	}
	if config.Catalog == nil {
		config.Catalog = catalog.Default()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Simulator{
		config:  config,
		catalog: config.Catalog,
		logger:  config.Logger,
		values:  seed(config.Catalog),
		faults:  config.Faults,
	}
	s.values[catalog.SystemModelname] = config.ModelName
	s.values[catalog.SystemVersion] = config.Version
	maps.Copy(s.values, config.Values)

	if config.StatePath != "" {
		s.state = NewStateStore(config.StatePath)
	}

	s.server = transport.NewServer(transport.ServerConfig{
		Address:      config.Address,
		Logger:       config.ProtocolLogger,
		OnConnect:    s.onConnect,
		OnDisconnect: s.onDisconnect,
		OnMessage:    s.handle,
		OnError: func(conn *transport.ServerConn, err error) {
			s.logger.Warn("simulator stream error", slog.Any("error", err))
		},
	})
	return s
}

// seed gives every readable feature "off" or its first listed value, the
// low end of its range, or an empty string. The main zone starts powered on.
func seed(c *catalog.Catalog) map[string]any {
	values := make(map[string]any)
	for _, f := range c.All() {
		if !f.CanGet() {
			continue
		}
		switch {
		case slices.Contains(f.Values, "off"):
			values[f.Name] = "off"
		case len(f.Values) > 0:
			values[f.Name] = f.Values[0]
		case f.Range != nil:
			values[f.Name] = json.Number(strconv.FormatFloat(f.Range.Min, 'f', -1, 64))
		default:
			values[f.Name] = ""
		}
	}
	if c.Has(catalog.MainPower) {
		values[catalog.MainPower] = "on"
	}
	return values
}

// Start loads saved state, if configured, and listens for clients.
func (s *Simulator) Start(ctx context.Context) error {
	if err := s.restore(); err != nil {
		return err
	}
	if err := s.server.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("simulator listening", slog.String("addr", s.Addr()), slog.String("model", s.config.ModelName))
	return nil
}

// Stop closes every connection and the listener, then saves state if
// configured.
func (s *Simulator) Stop() error {
	err := s.server.Stop()
	if s.state == nil {
		return err
	}
	return errors.Join(err, s.SaveState())
}

// SaveState writes the current values to the state file. It is a no-op
// without StatePath.
func (s *Simulator) SaveState() error {
	if s.state == nil {
		return nil
	}
	s.mu.Lock()
	values := maps.Clone(s.values)
	s.mu.Unlock()

	delete(values, catalog.SystemModelname)
	delete(values, catalog.SystemVersion)
	if err := s.state.Save(&State{Model: s.config.ModelName, Values: values}); err != nil {
		return fmt.Errorf("save simulator state: %w", err)
	}
	return nil
}

func (s *Simulator) restore() error {
	if s.state == nil {
		return nil
	}
	st, err := s.state.Load()
	if err != nil {
		return fmt.Errorf("load simulator state: %w", err)
	}
	if st == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for name, v := range st.Values {
		if _, ok := s.values[name]; !ok {
			continue
		}
		if _, ok := s.config.Values[name]; ok {
			continue
		}
		s.values[name] = v
		restored++
	}
	s.logger.Info("simulator state restored",
		slog.String("path", s.state.Path()),
		slog.Int("values", restored),
		slog.Time("saved_at", st.SavedAt))
	return nil
}

// Addr returns the listen address as host:port.
func (s *Simulator) Addr() string {
	if a := s.server.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// HostPort splits Addr for Connection.Connect.
func (s *Simulator) HostPort() (string, int) {
	host, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return "", 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// Clients returns the number of connected clients.
func (s *Simulator) Clients() int {
	return s.server.ConnectionCount()
}

// SetFaults replaces the active faults.
func (s *Simulator) SetFaults(f Faults) {
	s.mu.Lock()
	s.faults = f
	s.mu.Unlock()
}

// Faults returns the active faults.
func (s *Simulator) Faults() Faults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

// Value returns the current value of feature.
func (s *Simulator) Value(feature string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[feature]
	return v, ok
}

// Features returns the names of every feature with a value, sorted.
func (s *Simulator) Features() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.values))
}

// SetValue changes a value as if from the front panel, notifying clients
// if it changed and the feature is notifiable. It returns the number of
// clients notified.
func (s *Simulator) SetValue(feature string, value any) int {
	if !s.store(feature, value) {
		return 0
	}
	if f, err := s.catalog.Lookup(feature); err == nil && !f.CanNotify() {
		return 0
	}
	return s.Notify(feature, value)
}

// Notify pushes a notify record to every client without changing state.
func (s *Simulator) Notify(feature string, value any) int {
	return s.broadcast(wire.NewNotify(feature, value), nil)
}

// Inject writes raw bytes to every client.
func (s *Simulator) Inject(data []byte) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.server.Broadcast(data)
}

// CloseClients drops every client connection. The listener stays open.
func (s *Simulator) CloseClients() int {
	conns := s.server.Connections()
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// Received returns a copy of every request received, in arrival order.
func (s *Simulator) Received() []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.received)
}

// ResetReceived clears the request history.
func (s *Simulator) ResetReceived() {
	s.mu.Lock()
	s.received = nil
	s.mu.Unlock()
}

func (s *Simulator) onConnect(conn *transport.ServerConn) {
	s.logger.Info("client connected", slog.String("conn_id", conn.ConnID()), slog.String("remote", conn.RemoteAddr().String()))
}

func (s *Simulator) onDisconnect(conn *transport.ServerConn) {
	s.logger.Info("client disconnected", slog.String("conn_id", conn.ConnID()))
}

func (s *Simulator) handle(conn *transport.ServerConn, msg *wire.Message) {
	s.mu.Lock()
	s.received = append(s.received, msg)
	faults := s.faults
	s.mu.Unlock()

	s.logger.Debug("request",
		slog.String("conn_id", conn.ConnID()),
		slog.String("type", string(msg.Type)),
		slog.String("feature", msg.Feature),
		slog.Any("id", msg.MessageID()))

	if faults.CloseOnRequest {
		_ = conn.Close()
		return
	}
	if s.config.ResponseDelay > 0 {
		time.Sleep(s.config.ResponseDelay)
	}

	if !msg.HasID() {
		// Nothing to correlate an answer with.
		s.logger.Warn("request without id", slog.String("feature", msg.Feature))
		return
	}
	id := msg.MessageID()

	switch msg.Type {
	case wire.TypeGet:
		s.reply(conn, faults, s.get(id, msg.Feature))

	case wire.TypeSet:
		answer, notify := s.set(id, msg.Feature, msg.Value)
		if notify == nil {
			s.reply(conn, faults, answer)
			return
		}
		if faults.Coalesce && !faults.DropResponses {
			s.broadcast(notify, answer, conn)
			return
		}
		s.reply(conn, faults, answer)
		s.broadcast(notify, nil)

	default:
		s.reply(conn, faults, wire.NewError(id, msg.Feature, DetailUnexpectedType))
	}
}

func (s *Simulator) get(id uint32, feature string) *wire.Message {
	if f, err := s.catalog.Lookup(feature); err == nil && !f.CanGet() {
		return wire.NewError(id, feature, DetailNotReadable)
	}
	v, ok := s.Value(feature)
	if !ok {
		return wire.NewError(id, feature, DetailUnknownFeature)
	}
	return wire.NewResult(id, feature, v)
}

// set applies a set and returns the answer plus the notify to broadcast,
// if any.
func (s *Simulator) set(id uint32, feature string, value any) (*wire.Message, *wire.Message) {
	f, err := s.catalog.Lookup(feature)
	if err != nil {
		if _, ok := s.Value(feature); !ok {
			return wire.NewError(id, feature, DetailUnknownFeature), nil
		}
		s.store(feature, value)
		return wire.NewResult(id, feature, wire.ResponseACK), nil
	}
	if err := f.Validate(value); err != nil {
		return wire.NewResult(id, feature, wire.ResponseNAK), nil
	}
	if s.zoneOff(feature) {
		return wire.NewResult(id, feature, wire.ResponseERR), nil
	}

	ack := wire.NewResult(id, feature, wire.ResponseACK)
	if !f.CanGet() {
		// Actions such as main.reset have no state.
		return ack, nil
	}
	if !s.store(feature, value) || !f.CanNotify() {
		return ack, nil
	}
	return ack, wire.NewNotify(feature, value)
}

// zoneOff returns true if feature belongs to a zone whose power is off.
// Power itself can always be set.
func (s *Simulator) zoneOff(feature string) bool {
	zone := wire.FeatureZone(feature)
	power := zone + ".power"
	if feature == power {
		return false
	}
	v, ok := s.Value(power)
	return ok && wire.ValueString(v) == "off"
}

// store sets a value and returns true if it changed.
func (s *Simulator) store(feature string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.values[feature]
	if ok && wire.ValueString(old) == wire.ValueString(value) {
		return false
	}
	s.values[feature] = value
	return true
}

func (s *Simulator) reply(conn *transport.ServerConn, faults Faults, msg *wire.Message) {
	if faults.DropResponses {
		return
	}
	data, err := wire.Encode(msg)
	if err != nil {
		s.logger.Error("encode answer", slog.Any("error", err))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.write(conn, faults, data)
}

// broadcast sends msg to every client. If first is set it is written to
// only, in the same write as msg.
func (s *Simulator) broadcast(msg *wire.Message, first *wire.Message, only ...*transport.ServerConn) int {
	data, err := wire.Encode(msg)
	if err != nil {
		s.logger.Error("encode notify", slog.Any("error", err))
		return 0
	}
	var prefix []byte
	if first != nil {
		if prefix, err = wire.Encode(first); err != nil {
			s.logger.Error("encode answer", slog.Any("error", err))
			return 0
		}
	}
	faults := s.Faults()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n := 0
	for _, conn := range s.server.Connections() {
		out := data
		if prefix != nil && slices.Contains(only, conn) {
			out = append(slices.Clone(prefix), data...)
		}
		if s.write(conn, faults, out) == nil {
			n++
		}
	}
	return n
}

func (s *Simulator) write(conn *transport.ServerConn, faults Faults, data []byte) error {
	if faults.Garbage {
		if err := conn.Send(garbage); err != nil {
			return err
		}
	}
	if faults.SplitWrites && len(data) > 1 {
		half := len(data) / 2
		if err := conn.Send(data[:half]); err != nil {
			return err
		}
		// Give the first half a chance to arrive on its own.
		time.Sleep(time.Millisecond)
		data = data[half:]
	}
	if err := conn.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", conn.ConnID(), err)
	}
	return nil
}
