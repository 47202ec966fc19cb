package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Publisher receives the summary of every background pass.
type Publisher interface {
	Publish(event string, payload interface{})
}

type RunnerConfig struct {
	DispatchInterval time.Duration
	ReplyInterval    time.Duration
	CleanupInterval  time.Duration
	DispatchLimit    int
}

// Runner drives the dispatch, reply detection and cleanup passes on their
// own tickers. A zero interval disables that loop.
type Runner struct {
	dispatcher *Dispatcher
	detector   *ReplyDetector
	cleaner    *Cleaner
	cfg        RunnerConfig
	publisher  Publisher
	logger     logrus.FieldLogger
}

func NewRunner(dispatcher *Dispatcher, detector *ReplyDetector, cleaner *Cleaner, cfg RunnerConfig, publisher Publisher, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		dispatcher: dispatcher,
		detector:   detector,
		cleaner:    cleaner,
		cfg:        cfg,
		publisher:  publisher,
		logger:     logger.WithField("component", "runner"),
	}
}

// Start blocks until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(name string, interval time.Duration, pass func(context.Context) (interface{}, error)) {
		if interval <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, name, interval, pass)
		}()
	}

	if r.dispatcher != nil {
		start("dispatch", r.cfg.DispatchInterval, func(ctx context.Context) (interface{}, error) {
			return r.dispatcher.RunDispatch(ctx, DispatchOptions{Limit: r.cfg.DispatchLimit})
		})
	}
	if r.detector != nil {
		start("replies", r.cfg.ReplyInterval, func(ctx context.Context) (interface{}, error) {
			return r.detector.RunReplyDetection(ctx, nil)
		})
	}
	if r.cleaner != nil {
		start("cleanup", r.cfg.CleanupInterval, func(ctx context.Context) (interface{}, error) {
			return r.cleaner.CleanupDeletedSequences(ctx)
		})
	}

	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) (interface{}, error)) {
	log := r.logger.WithField("pass", name)
	log.WithField("interval", interval.String()).Info("Starting background pass")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := pass(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.WithError(err).Error("Background pass failed")
				continue
			}
			if r.publisher != nil {
				r.publisher.Publish(name, result)
			}
		case <-ctx.Done():
			log.Info("Stopping background pass")
			return
		}
	}
}
