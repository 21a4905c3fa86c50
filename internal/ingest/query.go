package ingest

import (
	"context"
	"go-bms-telemetry/model"
	"time"
)

// Latest returns the newest sample, or nil when nothing is stored.
func (s *Service) Latest(ctx context.Context) (*model.Sample, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	begin := time.Now()
	latest, err := s.store.FindLatest(ctx, 1)
	s.metrics.ObserveStore("find_latest", begin, err)
	if err != nil {
		return nil, &StoreError{Op: "find_latest", Err: err}
	}
	if len(latest) == 0 {
		return nil, nil
	}
	return latest[0], nil
}

// History returns every stored sample, oldest first. It never returns a nil
// slice on success.
func (s *Service) History(ctx context.Context) ([]*model.Sample, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	begin := time.Now()
	all, err := s.store.FindAll(ctx)
	s.metrics.ObserveStore("find_all", begin, err)
	if err != nil {
		return nil, &StoreError{Op: "find_all", Err: err}
	}
	if all == nil {
		all = []*model.Sample{}
	}
	return all, nil
}
