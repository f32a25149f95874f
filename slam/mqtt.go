package slam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
)

// FrameMessage announces a new frame from upstream tracking. When ID is set
// it must equal the id the map will mint.
type FrameMessage struct {
	ID        *int        `json:"id,omitempty"`
	Pose      Matrix4     `json:"pose"`
	K         Intrinsics  `json:"k"`
	Keypoints []orb.Point `json:"keypoints"`
}

// PointMessage announces a new triangulated point and its observations.
type PointMessage struct {
	ID           *int          `json:"id,omitempty"`
	Position     [3]float64    `json:"position"`
	Observations []Observation `json:"observations"`
}

// IngestMessage carries exactly one of Frame or Point.
type IngestMessage struct {
	Topic string
	Frame *FrameMessage
	Point *PointMessage
}

// Apply creates the announced frame or point in m. Everything is checked
// before anything is created, so a rejected message leaves m unchanged.
func (msg IngestMessage) Apply(m *Map) error {
	switch {
	case msg.Frame != nil:
		return msg.Frame.apply(m)
	case msg.Point != nil:
		return msg.Point.apply(m)
	default:
		return errors.New("empty ingest message")
	}
}

func (fm *FrameMessage) apply(m *Map) error {
	if fm.ID != nil && *fm.ID != m.NumFrames() {
		return fmt.Errorf("frame message id %d, next frame id is %d", *fm.ID, m.NumFrames())
	}
	if err := ValidateRigid(fm.Pose, rigidTolerance); err != nil {
		return fmt.Errorf("frame pose: %w", err)
	}
	k := fm.K
	if k.Fx() <= 0 || k.Fy() <= 0 {
		return fmt.Errorf("frame intrinsics need positive focal lengths, got fx=%g fy=%g", k.Fx(), k.Fy())
	}
	NewFrame(m, PoseFromMatrix(fm.Pose), k, fm.Keypoints)
	return nil
}

func (pm *PointMessage) apply(m *Map) error {
	if pm.ID != nil && *pm.ID != m.NumPoints() {
		return fmt.Errorf("point message id %d, next point id is %d", *pm.ID, m.NumPoints())
	}

	next := m.NumPoints()
	for _, o := range pm.Observations {
		f, ok := m.Frame(o.FrameID)
		if !ok {
			return &ConsistencyError{PointID: next, FrameID: o.FrameID, Index: o.Keypoint, Reason: "unknown frame"}
		}
		if err := f.checkIndex(o.Keypoint); err != nil {
			return err
		}
		if owner := f.slots[o.Keypoint]; owner != NoPoint && m.policy == ConflictReject {
			return &SlotConflictError{FrameID: f.ID, Index: o.Keypoint, Owner: owner, Claimant: next}
		}
	}

	p := NewPoint(m, r3.Vector{X: pm.Position[0], Y: pm.Position[1], Z: pm.Position[2]})
	for _, o := range pm.Observations {
		if err := p.AddObservation(m.frames[o.FrameID], o.Keypoint); err != nil {
			return err
		}
	}
	return nil
}

// IngestHandler receives decoded upstream messages. It runs on the MQTT
// client's goroutine and must not touch the map directly.
type IngestHandler func(IngestMessage)

// IngestClient manages the MQTT connection and the upstream subscriptions
type IngestClient struct {
	client      mqtt.Client
	config      MQTTConfig
	handler     IngestHandler
	isConnected bool
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewIngestClient builds a client for config. If config.Broker is empty,
// MQTT is disabled and this returns nil. Call Start to connect.
func NewIngestClient(config MQTTConfig, handler IngestHandler) (*IngestClient, error) {
	logger := Logger().With().Str("component", "mqtt").Logger()
	if config.Broker == "" {
		logger.Info().Msg("MQTT disabled: no broker configured")
		return nil, nil
	}
	if config.IngestTopic == "" {
		return nil, fmt.Errorf("MQTT enabled but mqtt.ingestTopic is empty")
	}

	c := &IngestClient{
		config:  config,
		handler: handler,
		logger:  logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)

	clientID := config.ClientID
	if clientID == "" {
		clientID = "sparsemap"
	}
	opts.SetClientID(clientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// frames must be applied before the points that observe them
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Start connects in the background, retrying with exponential backoff
// until ctx is cancelled.
func (c *IngestClient) Start(ctx context.Context) {
	go c.connectWithRetry(ctx)
}

// FrameTopic is the topic frame messages arrive on.
func (c *IngestClient) FrameTopic() string { return c.config.IngestTopic + "/frame" }

// PointTopic is the topic point messages arrive on.
func (c *IngestClient) PointTopic() string { return c.config.IngestTopic + "/point" }

func (c *IngestClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Info().Str("broker", c.config.Broker).Msg("connecting to MQTT broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info().Msg("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.logger.Warn().Err(token.Error()).Msg("MQTT connection failed")
		} else {
			c.logger.Warn().Msg("MQTT connection timeout")
		}

		c.logger.Info().Dur("delay", retryDelay).Msg("retrying MQTT connection")
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *IngestClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	for _, sub := range []struct {
		topic  string
		decode func([]byte) (IngestMessage, error)
	}{
		{c.FrameTopic(), decodeFrameMessage},
		{c.PointTopic(), decodePointMessage},
	} {
		c.logger.Info().Str("topic", sub.topic).Msg("subscribing")
		token := client.Subscribe(sub.topic, 1, c.createMessageHandler(sub.decode))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Str("topic", sub.topic).Msg("subscribe failed")
		}
	}
}

func (c *IngestClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warn().Err(err).Msg("MQTT connection interrupted, auto-reconnect will retry")
	c.setConnected(false)
}

func (c *IngestClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info().Msg("MQTT reconnecting")
}

func (c *IngestClient) createMessageHandler(decode func([]byte) (IngestMessage, error)) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		c.logger.Debug().Str("topic", msg.Topic()).Int("bytes", len(payload)).Msg("ingest message")

		im, err := decode(payload)
		if err != nil {
			c.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping undecodable message")
			return
		}
		im.Topic = msg.Topic()
		if c.handler != nil {
			c.handler(im)
		}
	}
}

func decodeFrameMessage(payload []byte) (IngestMessage, error) {
	var fm FrameMessage
	if err := json.Unmarshal(payload, &fm); err != nil {
		return IngestMessage{}, fmt.Errorf("decoding frame message: %w", err)
	}
	return IngestMessage{Frame: &fm}, nil
}

func decodePointMessage(payload []byte) (IngestMessage, error) {
	var pm PointMessage
	if err := json.Unmarshal(payload, &pm); err != nil {
		return IngestMessage{}, fmt.Errorf("decoding point message: %w", err)
	}
	return IngestMessage{Point: &pm}, nil
}

// IsConnected returns true if the MQTT client is connected
func (c *IngestClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *IngestClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *IngestClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info().Msg("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying MQTT client for publishing
func (c *IngestClient) Client() mqtt.Client {
	return c.client
}

// NewIngestClientWithClient wraps an existing mqtt.Client, typically a
// MockClient in tests. Clients that accept a connect handler after
// construction get the subscribing one.
func NewIngestClientWithClient(client mqtt.Client, config MQTTConfig, handler IngestHandler) *IngestClient {
	c := &IngestClient{
		client:  client,
		config:  config,
		handler: handler,
		logger:  Logger().With().Str("component", "mqtt").Logger(),
	}
	if hc, ok := client.(interface{ SetOnConnect(mqtt.OnConnectHandler) }); ok {
		hc.SetOnConnect(c.onConnect)
	}
	return c
}
