package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/caal/internal/config"
	"github.com/nugget/caal/internal/events"
	"github.com/nugget/caal/internal/gateway"
)

// Trigger topic suffixes.
const (
	TopicAnnounce    = "announce"
	TopicWake        = "wake"
	TopicReloadTools = "reload_tools"
)

// Actions are the gateway operations reachable over MQTT.
// *gateway.Gateway implements it.
type Actions interface {
	Announce(ctx context.Context, message, room string) (*gateway.Result, error)
	Wake(ctx context.Context, room string) (*gateway.Result, error)
	ReloadTools(ctx context.Context, toolName, message string) (*gateway.ReloadResult, error)
}

// StatsSource feeds the diagnostic sensors.
type StatsSource interface {
	ActiveSessions() int
	ToolCount() int
}

// publishFunc sends one message. Tests replace it.
type publishFunc func(ctx context.Context, topic string, payload []byte, retain bool) error

// Bridge owns the broker connection.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	actions    Actions
	stats      StatsSource
	bus        *events.Bus
	logger     *slog.Logger
	limiter    *messageRateLimiter

	cm      *autopaho.ConnectionManager
	publish publishFunc
}

// New creates a Bridge but does not connect. stats and bus may be nil.
func New(cfg config.MQTTConfig, instanceID string, actions Actions, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	b := &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		actions:    actions,
		stats:      stats,
		bus:        bus,
		logger:     logger,
		limiter:    newMessageRateLimiter(int64(cfg.RateLimit), time.Minute, logger),
	}
	b.publish = b.publishToBroker
	return b
}

// Start connects and serves triggers until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.topic("availability"),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.subscribe(ctx, cm)
			b.publishDiscovery(ctx)
			b.publishAvailability(ctx, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					go b.handle(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go b.limiter.start(ctx)
	go b.forwardEvents(ctx)
	b.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, "offline")
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return errors.New("mqtt bridge not started")
	}
	return b.cm.AwaitConnection(ctx)
}

func (b *Bridge) clientID() string {
	id := b.cfg.ClientID
	if b.instanceID != "" {
		id += "-" + b.instanceID[:min(8, len(b.instanceID))]
	}
	return id
}

// --- Topics ---

func (b *Bridge) topic(parts ...string) string {
	return strings.Join(append([]string{b.cfg.TopicPrefix}, parts...), "/")
}

func (b *Bridge) discoveryTopic(entity string) string {
	return b.cfg.DiscoveryPrefix + "/sensor/" + b.cfg.DeviceName + "/" + entity + "/config"
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := make([]paho.SubscribeOptions, 0, 3)
	for _, t := range []string{TopicAnnounce, TopicWake, TopicReloadTools} {
		subs = append(subs, paho.SubscribeOptions{Topic: b.topic(t), QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		b.logger.Warn("mqtt subscribe failed", "error", err)
		return
	}
	b.logger.Debug("mqtt trigger topics subscribed", "prefix", b.cfg.TopicPrefix)
}

func (b *Bridge) publishToBroker(ctx context.Context, topic string, payload []byte, retain bool) error {
	if b.cm == nil {
		return errors.New("mqtt bridge not started")
	}
	_, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	})
	return err
}

// --- Triggers ---

// triggerPayload is the JSON body accepted on trigger topics. A
// non-JSON payload on the announce topic is the message itself.
type triggerPayload struct {
	Message  string `json:"message"`
	Room     string `json:"room_name"`
	ToolName string `json:"tool_name"`
}

func parseTrigger(payload []byte) triggerPayload {
	var p triggerPayload
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(payload, &p); err == nil {
			return p
		}
	}
	p.Message = trimmed
	return p
}

// handle runs the action for a trigger topic and publishes its result.
func (b *Bridge) handle(ctx context.Context, topic string, payload []byte) {
	action := strings.TrimPrefix(topic, b.cfg.TopicPrefix+"/")
	if action == topic {
		b.logger.Debug("mqtt message outside prefix", "topic", topic)
		return
	}
	if !b.limiter.allow() {
		return
	}
	p := parseTrigger(payload)
	b.logger.Info("mqtt trigger received", "action", action, "room", p.Room, "payload_size", len(payload))

	var (
		result any
		err    error
	)
	switch action {
	case TopicAnnounce:
		result, err = b.actions.Announce(ctx, p.Message, p.Room)
	case TopicWake:
		result, err = b.actions.Wake(ctx, p.Room)
	case TopicReloadTools:
		if p.ToolName == "" && !strings.HasPrefix(strings.TrimSpace(string(payload)), "{") {
			p.ToolName, p.Message = p.Message, ""
		}
		result, err = b.actions.ReloadTools(ctx, p.ToolName, p.Message)
	default:
		b.logger.Debug("mqtt message on unknown trigger", "topic", topic)
		return
	}
	if err != nil {
		b.logger.Warn("mqtt trigger failed", "action", action, "error", err)
		result = map[string]any{"ok": false, "error": err.Error()}
	}

	data, err := json.Marshal(result)
	if err != nil {
		b.logger.Error("mqtt marshal result", "action", action, "error", err)
		return
	}
	if err := b.publish(ctx, b.topic(action, "result"), data, false); err != nil {
		b.logger.Debug("mqtt result publish failed", "action", action, "error", err)
	}
}

// --- Events ---

func (b *Bridge) forwardEvents(ctx context.Context) {
	if b.bus == nil {
		return
	}
	ch := b.bus.Subscribe(64)
	defer b.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b.publishEvent(ctx, e)
		}
	}
}

func (b *Bridge) publishEvent(ctx context.Context, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if err := b.publish(ctx, b.topic("events", e.Source), data, false); err != nil {
		b.logger.Debug("mqtt event publish failed", "source", e.Source, "kind", e.Kind, "error", err)
	}
}

// --- Discovery and state ---

type sensorDef struct {
	entity string
	config SensorConfig
}

func (b *Bridge) sensorDefinitions() []sensorDef {
	sensor := func(entity, name, icon, stateClass, category string) sensorDef {
		return sensorDef{entity: entity, config: SensorConfig{
			Name:              b.device.Name + " " + name,
			UniqueID:          b.instanceID + "_" + entity,
			StateTopic:        b.topic(entity, "state"),
			AvailabilityTopic: b.topic("availability"),
			Device:            b.device,
			Icon:              icon,
			StateClass:        stateClass,
			EntityCategory:    category,
		}}
	}
	return []sensorDef{
		sensor("active_sessions", "Active Sessions", "mdi:account-voice", "measurement", ""),
		sensor("tool_count", "Tools", "mdi:tools", "measurement", ""),
		sensor("version", "Version", "mdi:tag", "", "diagnostic"),
	}
}

func (b *Bridge) publishDiscovery(ctx context.Context) {
	for _, s := range b.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			b.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		topic := b.discoveryTopic(s.entity)
		if err := b.publish(ctx, topic, payload, true); err != nil {
			b.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, status string) {
	if err := b.publish(ctx, b.topic("availability"), []byte(status), true); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	b.logger.Info("mqtt availability published", "status", status)
}

func (b *Bridge) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(b.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	b.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStates(ctx)
		}
	}
}

func (b *Bridge) publishStates(ctx context.Context) {
	states := map[string]string{"version": b.device.SWVersion}
	if b.stats != nil {
		states["active_sessions"] = strconv.Itoa(b.stats.ActiveSessions())
		states["tool_count"] = strconv.Itoa(b.stats.ToolCount())
	}
	for entity, value := range states {
		if err := b.publish(ctx, b.topic(entity, "state"), []byte(value), true); err != nil {
			b.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
}
