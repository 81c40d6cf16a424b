package redisstorage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/UniQw/jobserver"
	"github.com/UniQw/jobserver/internal/keys"
	rtm "github.com/UniQw/jobserver/internal/runtime"
	"github.com/redis/go-redis/v9"
)

// fetchedJobsWatcher returns entries whose lease expired to their queue, so
// jobs of crashed workers are fetched again.
type fetchedJobsWatcher struct {
	s *Storage
}

func newFetchedJobsWatcher(s *Storage) *fetchedJobsWatcher { return &fetchedJobsWatcher{s: s} }

func (w *fetchedJobsWatcher) Name() string { return "FetchedJobsWatcher" }

func (w *fetchedJobsWatcher) Execute(ctx context.Context) error {
	if _, err := w.ReclaimExpired(ctx); err != nil {
		return err
	}
	return rtm.Sleep(ctx, w.s.opts.WatcherInterval)
}

// ReclaimExpired requeues every expired lease and returns how many were requeued.
func (w *fetchedJobsWatcher) ReclaimExpired(ctx context.Context) (int, error) {
	queues, err := w.s.rdb.SMembers(ctx, keys.Queues()).Result()
	if err != nil {
		return 0, err
	}
	now := strconv.FormatFloat(jobserver.Score(time.Now()), 'f', 3, 64)
	total := 0
	for _, q := range queues {
		k := keys.For(q)
		for {
			res, err := reclaimOneScript.Run(ctx, w.s.rdb, []string{k.Fetched, k.List}, now).Result()
			if errors.Is(err, redis.Nil) || res == nil {
				break
			}
			if err != nil {
				w.s.opts.Logger.Warnf("reclaimer: script failed queue=%s err=%v", q, err)
				break
			}
			total++
			w.s.opts.Logger.Warnf("lease expired, job requeued: id=%v queue=%s", res, q)
		}
	}
	return total, nil
}
