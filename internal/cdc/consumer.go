package cdc

import (
	"context"
	"go-bms-telemetry/model"
	"time"

	scyllacdc "github.com/scylladb/scylla-cdc-go"
)

type valueGetter interface {
	GetValue(columnName string) (interface{}, bool)
}

func consumer(ctx context.Context, replicateChan, batteryStatusChan chan<- *model.Sample) scyllacdc.ChangeConsumerFunc {
	return func(_ context.Context, tableName string, c scyllacdc.Change) error {
		for _, changeRow := range c.Delta {
			// samples are immutable, only inserts carry new data
			if changeRow.GetOperation() != scyllacdc.Insert {
				continue
			}
			data, ok := sampleFromRow(changeRow)
			if !ok {
				continue
			}

			for _, ch := range []chan<- *model.Sample{replicateChan, batteryStatusChan} {
				select {
				case ch <- data:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	}
}

// sampleFromRow rebuilds a sample from a CDC delta row. Rows without an id
// or timestamp are ignored.
func sampleFromRow(row valueGetter) (*model.Sample, bool) {
	data := new(model.Sample)

	if id, ok := stringValue(row, "id"); ok {
		data.ID = id
	} else {
		return nil, false
	}
	if v, ok := row.GetValue("ts"); ok {
		switch ts := v.(type) {
		case *time.Time:
			if ts == nil {
				return nil, false
			}
			data.Timestamp = ts.UTC()
		case time.Time:
			data.Timestamp = ts.UTC()
		default:
			return nil, false
		}
	} else {
		return nil, false
	}

	if v := floatValue(row, "voltage"); v != nil {
		data.Voltage = *v
	}
	if v := floatValue(row, "soc"); v != nil {
		data.SOC = *v
	}
	data.Temperature = floatValue(row, "temperature")
	data.ChargingCurrent = floatValue(row, "charging_current")
	data.DischargingCurrent = floatValue(row, "discharging_current")
	data.BatteryHealth = floatValue(row, "battery_health")

	if v, ok := row.GetValue("is_charging"); ok {
		switch b := v.(type) {
		case *bool:
			if b != nil {
				data.IsCharging = *b
			}
		case bool:
			data.IsCharging = b
		}
	}
	if v, ok := row.GetValue("cycle_count"); ok {
		switch n := v.(type) {
		case *int:
			if n != nil {
				c := *n
				data.CycleCount = &c
			}
		case int:
			data.CycleCount = &n
		}
	}
	return data, true
}

func stringValue(row valueGetter, name string) (string, bool) {
	v, ok := row.GetValue(name)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case *string:
		if s == nil {
			return "", false
		}
		return *s, true
	case string:
		return s, true
	}
	return "", false
}

func floatValue(row valueGetter, name string) *float64 {
	v, ok := row.GetValue(name)
	if !ok {
		return nil
	}
	switch f := v.(type) {
	case *float64:
		if f == nil {
			return nil
		}
		c := *f
		return &c
	case float64:
		return &f
	}
	return nil
}

func (cs *cdcService) startReplicate() {
	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		for {
			select {
			case <-cs.ctx.Done():
				return
			case data := <-cs.replicateChan:
				ctx, cancel := context.WithTimeout(cs.ctx, replicaTimeout)
				if err := cs.replica.Insert(ctx, data); err != nil {
					cs.logger.Error().Err(err).Str("id", data.ID).Msg("failed to save replicate data")
				}
				cancel()
			}
		}
	}()
}

func (cs *cdcService) startBatteryChecker() {
	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		for {
			select {
			case <-cs.ctx.Done():
				return
			case data := <-cs.batteryStatusChan:
				if data.SOC < cs.lowSOCThreshold && !data.IsCharging {
					cs.logger.Warn().Msgf("current battery is low, id: [%s], soc: [%.2f]", data.ID, data.SOC)
				}
			}
		}
	}()
}
