package db

import (
	"context"
	"errors"
	"fmt"
	"go-bms-telemetry/model"
	"strings"

	"github.com/rs/zerolog"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

var ErrStoreClosed = errors.New("store is closed")

// SampleStore is the time-ordered, append-only collection of samples.
// Reads reflect every insert that has returned.
type SampleStore interface {
	Insert(ctx context.Context, sample *model.Sample) error
	// FindLatest returns at most n samples, newest first.
	FindLatest(ctx context.Context, n int) ([]*model.Sample, error)
	// FindAll returns every sample, oldest first.
	FindAll(ctx context.Context) ([]*model.Sample, error)
	Close() error
}

const timestampIndex = "timestamp"

type rethinkStore struct {
	logger    *zerolog.Logger
	session   r.QueryExecutor
	tableName string
	closer    func()
}

func NewRethinkStore(
	appCtx context.Context,
	logger *zerolog.Logger,
	addresses []string,
	dbName, username, password, tableName string,
) (SampleStore, error) {
	var session *r.Session
	if sess, err := r.Connect(r.ConnectOpts{
		Addresses:  addresses,
		Database:   dbName,
		Username:   username,
		Password:   password,
		InitialCap: 10,
		MaxOpen:    10,
		NumRetries: 2,
	}); err != nil {
		return nil, err
	} else {
		session = sess
	}

	if err := ensureTable(appCtx, session, dbName, tableName); err != nil {
		session.Close()
		return nil, err
	}
	logger.Info().Str("database", dbName).Str("table", tableName).Msg("rethinkdb table ready")

	result := newRethinkStore(logger, session, tableName)
	result.closer = func() { session.Close() }
	return result, nil
}

func newRethinkStore(logger *zerolog.Logger, session r.QueryExecutor, tableName string) *rethinkStore {
	return &rethinkStore{
		logger:    logger,
		session:   session,
		tableName: tableName,
	}
}

func ensureTable(ctx context.Context, session *r.Session, dbName, tableName string) error {
	opts := r.RunOpts{Context: ctx}
	steps := []struct {
		what string
		term r.Term
	}{
		{"database", r.DBCreate(dbName)},
		{"table", r.DB(dbName).TableCreate(tableName)},
		{"index", r.DB(dbName).Table(tableName).IndexCreate(timestampIndex)},
	}
	for _, step := range steps {
		if _, err := step.term.RunWrite(session, opts); err != nil && !alreadyExists(err) {
			return fmt.Errorf("failed to create rethinkdb %s: %w", step.what, err)
		}
	}
	if err := r.DB(dbName).Table(tableName).IndexWait(timestampIndex).Exec(session, r.ExecOpts{Context: ctx}); err != nil {
		return fmt.Errorf("failed to wait for rethinkdb index: %w", err)
	}
	return nil
}

func alreadyExists(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}

func (d *rethinkStore) Close() error {
	if d.closer != nil {
		d.closer()
		d.closer = nil
	}
	return nil
}

func (d *rethinkStore) Insert(ctx context.Context, sample *model.Sample) error {
	if _, err := r.
		Table(d.tableName).
		Insert(sample).
		RunWrite(d.session, r.RunOpts{Context: ctx}); err != nil {
		return err
	}
	return nil
}

func (d *rethinkStore) FindLatest(ctx context.Context, n int) ([]*model.Sample, error) {
	return d.query(ctx, r.
		Table(d.tableName).
		OrderBy(r.OrderByOpts{Index: r.Desc(timestampIndex)}).
		Limit(n))
}

func (d *rethinkStore) FindAll(ctx context.Context) ([]*model.Sample, error) {
	return d.query(ctx, r.
		Table(d.tableName).
		OrderBy(r.OrderByOpts{Index: r.Asc(timestampIndex)}))
}

func (d *rethinkStore) query(ctx context.Context, term r.Term) ([]*model.Sample, error) {
	cursor, err := term.Run(d.session, r.RunOpts{Context: ctx})
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	samples := make([]*model.Sample, 0)
	if err := cursor.All(&samples); err != nil {
		return nil, err
	}
	return samples, nil
}
