package transform

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type limited struct {
	engine Engine
	sem    *semaphore.Weighted
}

// Limit caps the number of concurrent Apply calls on engine.
// n <= 0 returns engine unchanged; n == 1 serialises access for engines
// that are not safe for concurrent use.
func Limit(engine Engine, n int) Engine {
	if n <= 0 {
		return engine
	}
	return &limited{
		engine: engine,
		sem:    semaphore.NewWeighted(int64(n)),
	}
}

func (l *limited) Apply(ctx context.Context, src []byte, p Params) ([]byte, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)

	return l.engine.Apply(ctx, src, p)
}
