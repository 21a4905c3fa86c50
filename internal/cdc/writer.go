package cdc

import (
	"context"
	"fmt"
	"go-bms-telemetry/internal/db"
	"go-bms-telemetry/model"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
)

const sampleColumns = "id, ts, voltage, soc, temperature, charging_current, discharging_current, is_charging, battery_health, cycle_count"

// scyllaStore keeps the single device stream in one partition clustered by
// timestamp, which gives both orderings without secondary indexes.
type scyllaStore struct {
	logger *zerolog.Logger
	sess   *gocql.Session
	device string

	insertStmt string
	latestStmt string
	allStmt    string
}

func NewScyllaStore(
	ctx context.Context,
	logger *zerolog.Logger,
	hosts []string,
	keyspace, tableName, device string,
) (db.SampleStore, error) {
	sess, err := createSession(hosts, keyspace, gocql.Quorum, false)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create scylla writer session")
		return nil, err
	}

	if err := sess.Query(createTableStmt(tableName)).WithContext(ctx).Exec(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to create scylla table: %w", err)
	}
	logger.Info().Str("keyspace", keyspace).Str("table", tableName).Msg("scylla table ready")

	return &scyllaStore{
		logger: logger,
		sess:   sess,
		device: device,

		insertStmt: fmt.Sprintf("INSERT INTO %s (device, %s) VALUES (?,?,?,?,?,?,?,?,?,?,?)", tableName, sampleColumns),
		latestStmt: fmt.Sprintf("SELECT %s FROM %s WHERE device = ? ORDER BY ts DESC LIMIT ?", sampleColumns, tableName),
		allStmt:    fmt.Sprintf("SELECT %s FROM %s WHERE device = ? ORDER BY ts ASC", sampleColumns, tableName),
	}, nil
}

func createTableStmt(tableName string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	device text,
	ts timestamp,
	id text,
	voltage double,
	soc double,
	temperature double,
	charging_current double,
	discharging_current double,
	is_charging boolean,
	battery_health double,
	cycle_count int,
	PRIMARY KEY ((device), ts, id)
) WITH CLUSTERING ORDER BY (ts ASC, id ASC) AND cdc = {'enabled': true}`, tableName)
}

func (s *scyllaStore) Insert(ctx context.Context, sample *model.Sample) error {
	return s.sess.Query(s.insertStmt,
		s.device,
		sample.ID,
		sample.Timestamp,
		sample.Voltage,
		sample.SOC,
		sample.Temperature,
		sample.ChargingCurrent,
		sample.DischargingCurrent,
		sample.IsCharging,
		sample.BatteryHealth,
		sample.CycleCount,
	).WithContext(ctx).Exec()
}

func (s *scyllaStore) FindLatest(ctx context.Context, n int) ([]*model.Sample, error) {
	return s.scan(s.sess.Query(s.latestStmt, s.device, n).WithContext(ctx))
}

func (s *scyllaStore) FindAll(ctx context.Context) ([]*model.Sample, error) {
	return s.scan(s.sess.Query(s.allStmt, s.device).WithContext(ctx))
}

func (s *scyllaStore) scan(query *gocql.Query) ([]*model.Sample, error) {
	samples := make([]*model.Sample, 0)
	scanner := query.Iter().Scanner()
	for scanner.Next() {
		sample := new(model.Sample)
		if err := scanner.Scan(
			&sample.ID,
			&sample.Timestamp,
			&sample.Voltage,
			&sample.SOC,
			&sample.Temperature,
			&sample.ChargingCurrent,
			&sample.DischargingCurrent,
			&sample.IsCharging,
			&sample.BatteryHealth,
			&sample.CycleCount,
		); err != nil {
			return nil, err
		}
		sample.Timestamp = sample.Timestamp.UTC()
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func (s *scyllaStore) Close() error {
	s.sess.Close()
	return nil
}
