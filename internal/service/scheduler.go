package service

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

func NewScheduler() (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("err creating scheduler: %w", err)
	}
	return scheduler, nil
}

func scheduleEvery(s gocron.Scheduler, interval time.Duration, task func()) error {
	if _, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("err scheduling job: %w", err)
	}
	return nil
}
