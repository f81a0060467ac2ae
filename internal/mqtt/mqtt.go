// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs per SmartGrade device, relays switch commands to the
// coordinator, and forwards snapshot updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration and collaborators
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// NodeID identifies this bridge; it scopes availability and the
	// credential sensor.
	NodeID string
}

// Commander relays switch commands without importing the coordinator.
type Commander interface {
	SetSwitch(ctx context.Context, deviceID string, index int, on bool) error
}

// CredentialReader exposes the credential lifecycle for the status sensor.
type CredentialReader interface {
	Credential() auth.Info
}

const commandTimeout = 30 * time.Second

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// switch command topics and relays them, and forwards snapshot updates from
// the EventBus.
type HAPublisher struct {
	cfg   Config
	cmd   Commander
	store state.Reader
	creds CredentialReader
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	mu        sync.Mutex
	announced map[string]state.Device // object id -> device

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup

	// Switch commands run off the paho router so a slow cloud call does
	// not hold up other topics.
	cmdCtx    context.Context
	cmdCancel context.CancelFunc
	cmds      sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, cmd Commander, store state.Reader, creds CredentialReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "smartgrade"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "smartgraded"
	}
	cmdCtx, cmdCancel := context.WithCancel(context.Background())
	return &HAPublisher{
		cfg:       cfg,
		cmd:       cmd,
		store:     store,
		creds:     creds,
		bus:       bus,
		log:       log,
		announced: make(map[string]state.Device),
		stopC:     make(chan struct{}),
		cmdCtx:    cmdCtx,
		cmdCancel: cmdCancel,
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker and starts listening on the EventBus.
// Discovery, command subscriptions and full state are (re)published on every
// connect.
func (p *HAPublisher) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.NodeID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.listen()
	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// listen subscribes to the EventBus and starts the event loop.
func (p *HAPublisher) listen() {
	evtCh, unsub := p.bus.Subscribe(256)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)
}

// Stop publishes offline availability, disconnects and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()
	p.cmdCancel()
	p.cmds.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.availabilityTopic(), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	p.publish(p.availabilityTopic(), "online", true)
	p.publishBridgeDiscovery()

	for _, snap := range p.store.Snapshots() {
		p.announce(snap.Device)
	}
	p.subscribeCommands()

	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishBridgeDiscovery()
			for _, snap := range p.store.Snapshots() {
				p.announce(snap.Device)
			}
			p.publishFullState()
		}
	})

	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// objectID turns a device id into a topic- and entity-safe token.
func objectID(deviceID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(deviceID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, nodeID, objID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, nodeID, objID)
}

func deviceIcon(d state.Device) string {
	t := strings.ToLower(d.Type)
	if strings.Contains(t, "heater") || strings.Contains(t, "boiler") {
		return "mdi:water-boiler"
	}
	return "mdi:power-socket-eu"
}

func (p *HAPublisher) deviceInfo(d state.Device) map[string]any {
	info := map[string]any{
		"identifiers":  []string{"smartgrade_" + objectID(d.ID)},
		"name":         d.Name,
		"manufacturer": "SmartGrade",
		"via_device":   p.cfg.NodeID,
	}
	if d.Type != "" {
		info["model"] = d.Type
	}
	if d.SiteName != "" {
		info["suggested_area"] = d.SiteName
	}
	if d.MAC != "" {
		info["connections"] = [][]string{{"mac", strings.ToLower(d.MAC)}}
	}
	return info
}

// deviceDiscovery returns the discovery topics and payloads for one device.
func (p *HAPublisher) deviceDiscovery(d state.Device) map[string]map[string]any {
	oid := objectID(d.ID)
	dev := p.deviceInfo(d)
	avail := []map[string]any{{"topic": p.availabilityTopic()}}
	stateTopic := p.deviceTopic(oid, "state")
	name := d.Name
	if name == "" {
		name = d.ID
	}

	out := make(map[string]map[string]any)
	for i := 0; i < d.SwitchCount; i++ {
		swName := name
		if d.SwitchCount > 1 {
			swName = fmt.Sprintf("%s Switch %d", name, i+1)
		}
		sw := fmt.Sprintf("switch_%d", i+1)
		out[discoveryTopic("switch", p.cfg.NodeID, oid+"_"+sw)] = map[string]any{
			"name":          swName,
			"unique_id":     fmt.Sprintf("smartgrade_%s_%s", oid, sw),
			"state_topic":   p.deviceTopic(oid, sw+"/state"),
			"command_topic": p.deviceTopic(oid, sw+"/set"),
			"payload_on":    "ON",
			"payload_off":   "OFF",
			"icon":          deviceIcon(d),
			"device":        dev,
			"availability":  avail,
		}
	}

	out[discoveryTopic("binary_sensor", p.cfg.NodeID, oid+"_online")] = map[string]any{
		"name":           name + " Online",
		"unique_id":      fmt.Sprintf("smartgrade_%s_online", oid),
		"state_topic":    stateTopic,
		"value_template": "{{ 'ON' if value_json.online else 'OFF' }}",
		"device_class":   "connectivity",
		"payload_on":     "ON",
		"payload_off":    "OFF",
		"device":         dev,
		"availability":   avail,
	}

	out[discoveryTopic("sensor", p.cfg.NodeID, oid+"_next_timer")] = map[string]any{
		"name":           name + " Next Timer",
		"unique_id":      fmt.Sprintf("smartgrade_%s_next_timer", oid),
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.next_timer | default(None) }}",
		"device_class":   "timestamp",
		"icon":           "mdi:timer-outline",
		"device":         dev,
		"availability":   avail,
	}

	if d.SupportsEnergy {
		out[discoveryTopic("sensor", p.cfg.NodeID, oid+"_energy")] = map[string]any{
			"name":                name + " Energy Today",
			"unique_id":           fmt.Sprintf("smartgrade_%s_energy", oid),
			"state_topic":         stateTopic,
			"value_template":      "{{ value_json.energy_kwh }}",
			"unit_of_measurement": "kWh",
			"device_class":        "energy",
			"state_class":         "total_increasing",
			"device":              dev,
			"availability":        avail,
		}
	}
	return out
}

func (p *HAPublisher) publishBridgeDiscovery() {
	dev := map[string]any{
		"identifiers":  []string{p.cfg.NodeID},
		"name":         "SmartGrade Bridge",
		"manufacturer": "SmartGrade",
		"model":        "smartgraded",
	}
	p.publishDiscoveryConfig(discoveryTopic("sensor", p.cfg.NodeID, "credential"), map[string]any{
		"name":                  "SmartGrade Credential Days Remaining",
		"unique_id":             p.cfg.NodeID + "_credential",
		"state_topic":           p.bridgeTopic("credential"),
		"value_template":        "{{ value_json.days_remaining | round(1) }}",
		"json_attributes_topic": p.bridgeTopic("credential"),
		"unit_of_measurement":   "d",
		"icon":                  "mdi:key-chain",
		"device":                dev,
		"availability":          []map[string]any{{"topic": p.availabilityTopic()}},
	})
}

// announce publishes discovery for a device once per connection.
func (p *HAPublisher) announce(d state.Device) {
	for topic, payload := range p.deviceDiscovery(d) {
		p.publishDiscoveryConfig(topic, payload)
	}
	p.mu.Lock()
	p.announced[objectID(d.ID)] = d
	p.mu.Unlock()
}

// retract clears a removed device's discovery so HA deletes its entities.
func (p *HAPublisher) retract(d state.Device) {
	for topic := range p.deviceDiscovery(d) {
		p.publish(topic, "", true)
	}
	p.mu.Lock()
	delete(p.announced, objectID(d.ID))
	p.mu.Unlock()
}

func (p *HAPublisher) publishDiscoveryConfig(topic string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "topic", topic, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	t := fmt.Sprintf("%s/+/+/set", p.cfg.TopicPrefix)
	token := p.client.Subscribe(t, 1, p.handleSwitchCmd)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
	}
}

// parseCommandTopic splits {prefix}/{object id}/switch_{n}/set.
func (p *HAPublisher) parseCommandTopic(topic string) (oid string, index int, ok bool) {
	rest, found := strings.CutPrefix(topic, p.cfg.TopicPrefix+"/")
	if !found {
		return "", 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return "", 0, false
	}
	n, found := strings.CutPrefix(parts[1], "switch_")
	if !found {
		return "", 0, false
	}
	idx, err := strconv.Atoi(n)
	if err != nil || idx < 1 {
		return "", 0, false
	}
	return parts[0], idx - 1, true
}

func (p *HAPublisher) handleSwitchCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	oid, index, ok := p.parseCommandTopic(msg.Topic())
	if !ok {
		p.log.Debug("ignoring command on unexpected topic", "topic", msg.Topic())
		return
	}
	p.mu.Lock()
	dev, known := p.announced[oid]
	p.mu.Unlock()
	if !known {
		p.log.Warn("MQTT command for unknown device", "topic", msg.Topic())
		return
	}

	raw := strings.TrimSpace(string(msg.Payload()))
	var on bool
	switch strings.ToUpper(raw) {
	case "ON":
		on = true
	case "OFF":
	default:
		p.log.Error("invalid switch payload", "topic", msg.Topic(), "payload", raw)
		return
	}

	p.log.Info("MQTT command: switch", "device_id", dev.ID, "switch", index, "on", on)
	p.cmds.Add(1)
	go func() {
		defer p.cmds.Done()
		p.runSwitchCmd(dev.ID, index, on)
	}()
}

func (p *HAPublisher) runSwitchCmd(deviceID string, index int, on bool) {
	ctx, cancel := context.WithTimeout(p.cmdCtx, commandTimeout)
	defer cancel()
	if err := p.cmd.SetSwitch(ctx, deviceID, index, on); err != nil {
		p.log.Error("failed to set switch", "device_id", deviceID, "switch", index, "error", err)
		// Re-publish the (rolled back) state so HA's optimistic toggle reverts.
		if snap, ok := p.store.Snapshot(deviceID); ok {
			p.publishSnapshot(snap)
		}
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishFullState() {
	for _, snap := range p.store.Snapshots() {
		p.publishSnapshot(snap)
	}
	p.publishCredential()
}

// deviceState is the JSON document on {prefix}/{object id}/state.
type deviceState struct {
	Online     bool     `json:"online"`
	EnergyKWh  *float64 `json:"energy_kwh,omitempty"`
	NextTimer  string   `json:"next_timer,omitempty"`
	Timers     int      `json:"timers"`
	Source     string   `json:"source,omitempty"`
	LastSeen   string   `json:"last_seen,omitempty"`
	PollErrors int      `json:"poll_failures"`
}

func stateDocument(snap state.Snapshot) deviceState {
	doc := deviceState{
		Online:     snap.Online,
		Timers:     len(snap.Timers),
		Source:     string(snap.Source),
		PollErrors: snap.PollFailures,
	}
	if snap.EnergyKWh != nil {
		v := roundTo2(*snap.EnergyKWh)
		doc.EnergyKWh = &v
	}
	if snap.NextTimer != nil {
		doc.NextTimer = snap.NextTimer.Format(time.RFC3339)
	}
	if !snap.LastSeen.IsZero() {
		doc.LastSeen = snap.LastSeen.Format(time.RFC3339)
	}
	return doc
}

func (p *HAPublisher) publishSnapshot(snap state.Snapshot) {
	oid := objectID(snap.Device.ID)
	for _, sw := range snap.Switches {
		p.publish(p.deviceTopic(oid, fmt.Sprintf("switch_%d/state", sw.Index+1)), boolToOnOff(sw.On), true)
	}

	data, err := json.Marshal(stateDocument(snap))
	if err != nil {
		p.log.Error("failed to marshal device state", "device_id", snap.Device.ID, "error", err)
		return
	}
	p.publish(p.deviceTopic(oid, "state"), string(data), true)
}

func (p *HAPublisher) publishCredential() {
	if p.creds == nil {
		return
	}
	data, err := json.Marshal(p.creds.Credential())
	if err != nil {
		p.log.Error("failed to marshal credential info", "error", err)
		return
	}
	p.publish(p.bridgeTopic("credential"), string(data), true)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventSnapshotUpdated:
		snap, ok := evt.Data.(state.Snapshot)
		if !ok {
			p.log.Warn("unexpected data type for snapshot_updated")
			return
		}
		p.publishSnapshot(snap)

	case state.EventDeviceAdded:
		dev, ok := evt.Data.(state.Device)
		if !ok {
			p.log.Warn("unexpected data type for device_added")
			return
		}
		p.announce(dev)
		if snap, ok := p.store.Snapshot(dev.ID); ok {
			p.publishSnapshot(snap)
		}

	case state.EventDeviceRemoved:
		dev, ok := evt.Data.(state.Device)
		if !ok {
			p.log.Warn("unexpected data type for device_removed")
			return
		}
		p.retract(dev)

	case state.EventCredential:
		p.publishCredential()
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (p *HAPublisher) availabilityTopic() string {
	return p.bridgeTopic("status")
}

// bridgeTopic builds {prefix}/{node id}/{suffix}.
func (p *HAPublisher) bridgeTopic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.NodeID, suffix)
}

// deviceTopic builds {prefix}/{object id}/{suffix}.
func (p *HAPublisher) deviceTopic(oid, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, oid, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
