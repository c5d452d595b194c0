// Package workers runs the background jobs behind the race service.
package workers

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/padraicbc/raceway/live"
	"github.com/padraicbc/raceway/models"
)

// StartCompletionSweeper schedules a periodic job that closes active races
// whose participants have all finished. It backstops the live path: a finish
// that arrives while its race group is partially disconnected still ends the
// race within one sweep interval. Returns the scheduler so the caller can
// shut it down.
func StartCompletionSweeper(db *bun.DB, hub *live.Hub, interval time.Duration, log *zap.Logger) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			sweep(db, hub, log)
		}),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	log.Info("completion sweeper started", zap.Duration("interval", interval))
	return sched, nil
}

func sweep(db *bun.DB, hub *live.Hub, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var raceIDs []string
	err := db.NewSelect().Model((*models.Race)(nil)).
		Column("id").
		Where("status = ?", models.RaceActive).
		Scan(ctx, &raceIDs)
	if err != nil {
		log.Error("sweep: list active races", zap.Error(err))
		return
	}

	for _, id := range raceIDs {
		done, err := hub.CompleteIfDone(ctx, id)
		if err != nil {
			log.Error("sweep: complete race", zap.String("race_id", id), zap.Error(err))
			continue
		}
		if done {
			log.Info("sweep: race completed", zap.String("race_id", id))
		}
	}
}
