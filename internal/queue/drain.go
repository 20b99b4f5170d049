package queue

import (
	"context"
)

// Pending количество операций мира, поставленных и ещё не применённых
func (q *Queue) Pending(worldName string) int64 {
	return q.worldPending(worldName).Load()
}

// AwaitDrain блокирует вызывающего, пока не будут применены все операции мира,
// поставленные к моменту вызова. Операции, поставленные позже, не ожидаются.
func (q *Queue) AwaitDrain(ctx context.Context, worldName string) error {
	if q.Pending(worldName) == 0 {
		return nil
	}

	// Барьер в каждой полосе срабатывает после всех задач, поставленных до него
	barriers := make([]chan struct{}, 0, len(q.lanes))
	for _, l := range q.lanes {
		t := &task{barrier: make(chan struct{})}
		if err := l.enqueue(ctx, t, false); err != nil {
			if err == ErrClosed {
				// Закрытая полоса дорабатывает свои задачи, Close их дождётся
				continue
			}
			return err
		}
		barriers = append(barriers, t.barrier)
	}

	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
