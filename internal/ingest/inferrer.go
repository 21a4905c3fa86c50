package ingest

import (
	"context"
	"go-bms-telemetry/internal/db"
	"go-bms-telemetry/internal/metrics"
	"time"

	"github.com/rs/zerolog"
)

// ChargingDeltaThreshold is the voltage rise that counts as charging.
const ChargingDeltaThreshold = 0.05

// ChargeInferrer derives the charging flag from the voltage trend until the
// hardware reports current directly.
type ChargeInferrer struct {
	logger  *zerolog.Logger
	store   db.SampleStore
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewChargeInferrer(logger *zerolog.Logger, store db.SampleStore, m *metrics.Metrics, timeout time.Duration) *ChargeInferrer {
	return &ChargeInferrer{
		logger:  logger,
		store:   store,
		metrics: m,
		timeout: timeout,
	}
}

// Infer compares the candidate voltage with the second most recent stored
// sample, matching the device firmware. It must run before the candidate is
// inserted. Short or unreadable history yields true.
func (c *ChargeInferrer) Infer(ctx context.Context, voltage float64) bool {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	begin := time.Now()
	latest, err := c.store.FindLatest(ctx, 2)
	c.metrics.ObserveStore("find_latest", begin, err)
	if err != nil {
		c.logger.Warn().Err(err).Float64("voltage", voltage).Msg("failed to read history, assuming charging")
		if c.metrics != nil {
			c.metrics.InferenceFallback.Inc()
		}
		return true
	}
	if len(latest) < 2 {
		return true
	}

	previousVoltage := latest[1].Voltage
	return voltage-previousVoltage >= ChargingDeltaThreshold
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
