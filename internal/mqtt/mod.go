package mqtt

import (
	"context"
	"encoding/json"
	"go-bms-telemetry/model"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	maxWorkersNum  = 5
	queueSize      = 1024
	publishTimeout = 5 * time.Second
)

// Ingester is the ingestion entry point fed with raw message payloads.
type Ingester interface {
	Ingest(ctx context.Context, body []byte) (*model.Sample, error)
}

type mqttService struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	logger *zerolog.Logger

	mqttClient   mqtt.Client
	ingestTopic  string
	publishTopic string

	ingester Ingester
	msgChan  chan []byte
}

// MQTTService bridges a broker to the ingestion pipeline: payloads on the
// ingest topic are ingested like HTTP bodies and accepted samples are
// republished on the publish topic. Either topic may be empty.
type MQTTService interface {
	// Start subscribes to the ingest topic and starts the workers.
	Start() error
	Publish(sample *model.Sample)
	Stop()
}

func NewMQTTService(
	parentCtx context.Context,
	logger *zerolog.Logger,
	address, clientId, user, pass, ingestTopic, publishTopic string,
	ingester Ingester) (MQTTService, error) {

	options := mqtt.NewClientOptions()
	options.AddBroker(address)
	options.SetClientID(clientId)
	options.SetUsername(user)
	options.SetPassword(pass)
	options.SetAutoReconnect(true)

	client := mqtt.NewClient(options)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return newMQTTService(parentCtx, logger, client, ingestTopic, publishTopic, ingester), nil
}

func newMQTTService(
	parentCtx context.Context,
	logger *zerolog.Logger,
	client mqtt.Client,
	ingestTopic, publishTopic string,
	ingester Ingester) *mqttService {

	ctx, cancel := context.WithCancel(parentCtx)
	return &mqttService{
		ctx:    ctx,
		cancel: cancel,
		wg:     new(sync.WaitGroup),
		logger: logger,

		mqttClient:   client,
		ingestTopic:  ingestTopic,
		publishTopic: publishTopic,

		ingester: ingester,
		msgChan:  make(chan []byte, queueSize),
	}
}

func (m *mqttService) Start() error {
	if m.ingestTopic == "" {
		return nil
	}

	m.wg.Add(maxWorkersNum)
	for i := 0; i < maxWorkersNum; i++ {
		go m.ingestMessages()
	}

	token := m.mqttClient.Subscribe(m.ingestTopic, 1, m.onReceive())
	if token.Wait() && token.Error() != nil {
		m.cancel()
		m.wg.Wait()
		return token.Error()
	}
	m.logger.Info().Str("topic", m.ingestTopic).Msg("subscribed to mqtt ingest topic")
	return nil
}

func (m *mqttService) onReceive() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		msg.Ack()

		payload := append([]byte(nil), msg.Payload()...)
		select {
		case m.msgChan <- payload:
		case <-m.ctx.Done():
		}
	}
}

func (m *mqttService) ingestMessages() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case payload := <-m.msgChan:
			if _, err := m.ingester.Ingest(m.ctx, payload); err != nil {
				m.logger.Error().Err(err).Msg("failed to ingest mqtt message")
			}
		}
	}
}

// Publish sends the sample without waiting for the broker.
func (m *mqttService) Publish(sample *model.Sample) {
	if m.publishTopic == "" {
		return
	}

	msgByte, err := json.Marshal(sample)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to encode sample for mqtt")
		return
	}

	token := m.mqttClient.Publish(m.publishTopic, 0, false, msgByte)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			m.logger.Warn().Str("topic", m.publishTopic).Msg("mqtt publish timed out")
		} else if err := token.Error(); err != nil {
			m.logger.Error().Err(err).Msg("caught error while publish message")
		}
	}()
}

func (m *mqttService) Stop() {
	if m.ingestTopic != "" {
		m.mqttClient.Unsubscribe(m.ingestTopic).WaitTimeout(time.Second)
	}
	m.mqttClient.Disconnect(250)
	m.cancel()
	m.wg.Wait()
}
