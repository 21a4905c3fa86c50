// Package ingest validates incoming battery samples, infers the charging
// flag, stores them and hands accepted samples to live publishers.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"go-bms-telemetry/internal/db"
	"go-bms-telemetry/internal/metrics"
	"go-bms-telemetry/model"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher receives every sample after it has been stored. Implementations
// must not block.
type Publisher interface {
	Publish(sample *model.Sample)
}

type Options struct {
	// Timeout bounds each store call. Zero disables it.
	Timeout    time.Duration
	Metrics    *metrics.Metrics
	Publishers []Publisher
	// NewID defaults to random UUIDs.
	NewID func() string
}

type Service struct {
	logger     *zerolog.Logger
	store      db.SampleStore
	inferrer   *ChargeInferrer
	metrics    *metrics.Metrics
	publishers []Publisher
	timeout    time.Duration
	newID      func() string
}

func NewService(logger *zerolog.Logger, store db.SampleStore, opts Options) *Service {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{
		logger:     logger,
		store:      store,
		inferrer:   NewChargeInferrer(logger, store, opts.Metrics, opts.Timeout),
		metrics:    opts.Metrics,
		publishers: opts.Publishers,
		timeout:    opts.Timeout,
		newID:      newID,
	}
}

// AddPublisher registers p for samples accepted from now on. It is meant to
// be called during startup, before traffic arrives.
func (s *Service) AddPublisher(p Publisher) {
	s.publishers = append(s.publishers, p)
}

// Ingest decodes a raw request body and runs it through IngestPayload.
func (s *Service) Ingest(ctx context.Context, body []byte) (*model.Sample, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, s.reject(&ValidationError{Category: CategoryMissingBody})
	}

	payload := new(model.Payload)
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, s.reject(&ValidationError{Category: CategoryInvalidBody, Err: err})
	}
	return s.IngestPayload(ctx, payload)
}

// IngestPayload validates, infers, stores and publishes one sample. On a
// store failure nothing is published.
func (s *Service) IngestPayload(ctx context.Context, p *model.Payload) (*model.Sample, error) {
	if p == nil {
		return nil, s.reject(&ValidationError{Category: CategoryMissingBody})
	}
	if model.Blank(p.Timestamp) || !model.Present(p.Voltage) || !model.Present(p.SOC) {
		return nil, s.reject(&ValidationError{Category: CategoryMissingFields})
	}

	sample, err := parse(p)
	if err != nil {
		return nil, s.reject(err)
	}

	sample.IsCharging = s.inferrer.Infer(ctx, sample.Voltage)
	sample.ID = s.newID()

	if err := s.insert(ctx, sample); err != nil {
		s.logger.Error().Err(err).Msg("failed to store sample")
		return nil, &StoreError{Op: "insert", Err: err}
	}

	if s.metrics != nil {
		s.metrics.Ingested.Inc()
	}
	for _, pub := range s.publishers {
		pub.Publish(sample)
	}

	s.logger.Debug().
		Str("id", sample.ID).
		Time("timestamp", sample.Timestamp).
		Float64("voltage", sample.Voltage).
		Bool("is_charging", sample.IsCharging).
		Msg("sample accepted")
	return sample, nil
}

func (s *Service) insert(ctx context.Context, sample *model.Sample) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	begin := time.Now()
	err := s.store.Insert(ctx, sample)
	s.metrics.ObserveStore("insert", begin, err)
	return err
}

func (s *Service) reject(err *ValidationError) error {
	if s.metrics != nil {
		s.metrics.Rejected.WithLabelValues(err.Category).Inc()
	}
	s.logger.Debug().Str("reason", err.Category).Str("details", err.Details()).Msg("sample rejected")
	return err
}

func parse(p *model.Payload) (*model.Sample, *ValidationError) {
	ts, err := model.ParseTimestamp(p.Timestamp)
	if err != nil {
		return nil, &ValidationError{Category: CategoryInvalidField, Field: "timestamp", Err: err}
	}
	voltage, err := model.ParseNumber(p.Voltage)
	if err != nil {
		return nil, &ValidationError{Category: CategoryInvalidField, Field: "voltage", Err: err}
	}
	soc, err := model.ParseNumber(p.SOC)
	if err != nil {
		return nil, &ValidationError{Category: CategoryInvalidField, Field: "soc", Err: err}
	}
	temperature, err := model.ParseOptionalNumber(p.Temperature)
	if err != nil {
		return nil, &ValidationError{Category: CategoryInvalidField, Field: "temperature", Err: err}
	}

	// Current sensing, health and cycle tracking are not wired to hardware
	// yet and stay nil rather than zero.
	return &model.Sample{
		Timestamp:   ts,
		Voltage:     voltage,
		SOC:         soc,
		Temperature: temperature,
	}, nil
}
