package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/casplaer/XMLProcessingSystem/internal/model"
	"github.com/casplaer/XMLProcessingSystem/internal/transform"
)

var ErrBadTopic = errors.New("unexpected state topic")

// StateSource serves the last module state published by the instruments on
// topics shaped instruments/<package>/<category>/<index>/state, where index
// is "-" for modules without one. Identities never seen fall back to another
// source.
type StateSource struct {
	fallback transform.StateSource
	logger   *slog.Logger

	mu     sync.RWMutex
	states map[string]string
}

func NewStateSource(fallback transform.StateSource, logger *slog.Logger) *StateSource {
	if fallback == nil {
		fallback = transform.NewRandomSource(nil)
	}
	return &StateSource{
		fallback: fallback,
		logger:   logger.With("component", "mqtt"),
		states:   make(map[string]string),
	}
}

func (s *StateSource) NextState(id model.Identity, previous string) string {
	s.mu.RLock()
	state, ok := s.states[id.String()]
	s.mu.RUnlock()
	if ok {
		return state
	}
	return s.fallback.NextState(id, previous)
}

// Observe records the state carried by one message.
func (s *StateSource) Observe(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[len(parts)-1] != "state" {
		return fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}
	pkg, cat, idx := parts[len(parts)-4], parts[len(parts)-3], parts[len(parts)-2]
	if pkg == "" || cat == "" || idx == "" {
		return fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}

	state := strings.TrimSpace(string(payload))
	if !slices.Contains(model.ModuleStates, state) {
		return fmt.Errorf("unknown module state %q on %s", state, topic)
	}

	key := pkg + "/" + cat + "/" + idx
	s.mu.Lock()
	s.states[key] = state
	s.mu.Unlock()
	return nil
}

func (s *StateSource) handle(_ mqtt.Client, msg mqtt.Message) {
	if err := s.Observe(msg.Topic(), msg.Payload()); err != nil {
		s.logger.Warn("ignoring state message", "topic", msg.Topic(), "err", err)
		return
	}
	s.logger.Debug("state observed", "topic", msg.Topic(), "state", string(msg.Payload()))
}

type Settings struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
	QoS       byte
}

func BuildMQTTClient(cfg Settings, source *StateSource, logger *slog.Logger) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.BrokerURL)
		if token := c.Subscribe(cfg.Topic, cfg.QoS, source.handle); token.Wait() && token.Error() != nil {
			logger.Error("mqtt subscribe error", "topic", cfg.Topic, "err", token.Error())
		} else {
			logger.Info("mqtt subscribed", "topic", cfg.Topic, "qos", cfg.QoS)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "err", err)
	}

	return mqtt.NewClient(opts)
}

// ConnectWithBackoff keeps trying to connect until it succeeds or ctx ends.
func ConnectWithBackoff(ctx context.Context, client mqtt.Client, start, max time.Duration, logger *slog.Logger) error {
	backoff := start
	for {
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		logger.Warn("mqtt connect error, retrying", "err", token.Error(), "backoff", backoff)
		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
