package cache

import (
	"context"
)

// LayeredStore puts a local L1 store in front of a shared L2 store.
// An L2 hit back-fills L1; writes and deletes go to both layers.
type LayeredStore struct {
	l1 Store
	l2 Store
}

var (
	_ Store   = (*LayeredStore)(nil)
	_ Deleter = (*LayeredStore)(nil)
	_ Pinger  = (*LayeredStore)(nil)
)

func NewLayeredStore(l1, l2 Store) *LayeredStore {
	return &LayeredStore{l1: l1, l2: l2}
}

func (s *LayeredStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, err := s.l1.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}

	v, ok, err := s.l2.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = s.l1.Set(ctx, key, v)
	return v, true, nil
}

func (s *LayeredStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.l1.Set(ctx, key, value); err != nil {
		return err
	}
	return s.l2.Set(ctx, key, value)
}

func (s *LayeredStore) Delete(ctx context.Context, key string) error {
	var firstErr error
	for _, st := range []Store{s.l1, s.l2} {
		d, ok := st.(Deleter)
		if !ok {
			continue
		}
		if err := d.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ping checks the shared layer.
func (s *LayeredStore) Ping(ctx context.Context) error {
	if p, ok := s.l2.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
