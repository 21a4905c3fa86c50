package cdc

import (
	"context"
	"fmt"
	"go-bms-telemetry/internal/db"
	"go-bms-telemetry/model"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
	scyllacdc "github.com/scylladb/scylla-cdc-go"
)

const replicaTimeout = 10 * time.Second

func createSession(hosts []string, keyspace string, consistency gocql.Consistency, tokenAware bool) (*gocql.Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Timeout = 10 * time.Second
	cluster.Consistency = consistency
	cluster.Keyspace = keyspace
	if tokenAware {
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	}
	return cluster.CreateSession()
}

func createReader(
	ctx context.Context,
	logger *zerolog.Logger,
	keyspace, tableName string,
	hosts []string,
	changeConsumerFactory scyllacdc.ChangeConsumerFactory,
) (*gocql.Session, *scyllacdc.Reader, error) {
	var readerSess *gocql.Session
	if sess, err := createSession(hosts, keyspace, gocql.Quorum, true); err != nil {
		logger.Error().Err(err).Msg("failed to create scylla reader session")
		return nil, nil, err
	} else {
		readerSess = sess
	}

	// adjust cdc reader config
	adv := scyllacdc.AdvancedReaderConfig{
		ConfidenceWindowSize:   10 * time.Second,
		QueryTimeWindowSize:    10 * time.Second,
		PostEmptyQueryDelay:    5 * time.Second,
		PostNonEmptyQueryDelay: 3 * time.Second,
		PostFailedQueryDelay:   3 * time.Second,
		ChangeAgeLimit:         time.Minute,
	}

	reader, err := scyllacdc.NewReader(ctx, &scyllacdc.ReaderConfig{
		Session:               readerSess,
		TableNames:            []string{fmt.Sprintf("%s.%s", keyspace, tableName)},
		Consistency:           gocql.One,
		ChangeConsumerFactory: changeConsumerFactory,
		Logger:                logger,
		Advanced:              adv,
	})
	if err != nil {
		readerSess.Close()
		logger.Error().Err(err).Msg("failed to create scylla cdc-reader")
		return nil, nil, err
	}
	return readerSess, reader, nil
}

type cdcService struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zerolog.Logger

	wg *sync.WaitGroup

	readerSess *gocql.Session
	cdcReader  *scyllacdc.Reader

	replica db.SampleStore

	replicateChan     chan *model.Sample
	batteryStatusChan chan *model.Sample

	lowSOCThreshold float64
}

// CDCService follows the Scylla change log of the sample table. Every
// inserted sample is copied into a replica store and checked for low
// charge.
type CDCService interface {
	Start()
	Stop()
}

func NewCDCService(
	parentCtx context.Context,
	logger *zerolog.Logger,
	keyspace, tableName string,
	hosts []string,
	replica db.SampleStore,
	lowSOCThreshold float64,
) (CDCService, error) {
	result := newCDCService(parentCtx, logger, replica, lowSOCThreshold)
	changeConsumerFactory := scyllacdc.MakeChangeConsumerFactoryFromFunc(
		consumer(result.ctx, result.replicateChan, result.batteryStatusChan))

	if rs, reader, err := createReader(
		result.ctx,
		logger,
		keyspace,
		tableName,
		hosts,
		changeConsumerFactory,
	); err != nil {
		result.cancel()
		return nil, err
	} else {
		result.readerSess = rs
		result.cdcReader = reader
	}

	return result, nil
}

func newCDCService(parentCtx context.Context, logger *zerolog.Logger, replica db.SampleStore, lowSOCThreshold float64) *cdcService {
	ctx, cancel := context.WithCancel(parentCtx)
	return &cdcService{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,

		wg: new(sync.WaitGroup),

		replica: replica,

		replicateChan:     make(chan *model.Sample, 64),
		batteryStatusChan: make(chan *model.Sample, 64),

		lowSOCThreshold: lowSOCThreshold,
	}
}

func (cs *cdcService) Start() {
	cs.startBatteryChecker()
	cs.startReplicate()

	if cs.cdcReader == nil {
		return
	}
	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		if err := cs.cdcReader.Run(cs.ctx); err != nil && cs.ctx.Err() == nil {
			cs.logger.Error().Err(err).Msg("scylla cdc-reader stopped")
		}
	}()
}

func (cs *cdcService) Stop() {
	if cs.cdcReader != nil {
		cs.cdcReader.Stop()
	}
	cs.cancel()
	cs.wg.Wait()
	if cs.readerSess != nil {
		cs.readerSess.Close()
	}
	if err := cs.replica.Close(); err != nil {
		cs.logger.Error().Err(err).Msg("failed to close replica store")
	}
}
