package presence

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically marks durable records offline when the user is not
// in the registry, cleaning up after a process that died without running
// its disconnects.
type Sweeper struct {
	log      *log.Logger
	registry *Registry
	store    Store
	cron     *cron.Cron
	timeout  time.Duration
}

func NewSweeper(logger *log.Logger, registry *Registry, store Store, schedule string, timeout time.Duration) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &Sweeper{
		log:      logger,
		registry: registry,
		store:    store,
		cron:     cron.New(),
		timeout:  timeout,
	}

	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return s, nil
}

// Sweep runs one reconciliation pass and returns the number of records it
// flipped offline. Users who connected while the pass ran are written back
// from the registry, since the pass may have flipped them.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	online := s.registry.OnlineUserIDs()
	n, err := s.store.MarkOfflineExcept(ctx, online, time.Now().UTC())
	if err != nil {
		s.log.Printf("presence sweep: %v", err)
		return 0
	}

	for _, userId := range s.registry.OnlineUserIDs() {
		if slices.Contains(online, userId) {
			continue
		}
		rec, ok := s.registry.Get(userId)
		if !ok || !rec.IsOnline {
			continue
		}
		if err := s.store.UpsertPresence(ctx, rec); err != nil {
			s.log.Printf("presence sweep: restore %q: %v", userId, err)
		}
	}

	if n > 0 {
		s.log.Printf("presence sweep: marked %d stale user(s) offline", n)
	}
	return n
}

// Start sweeps once and then on the schedule.
func (s *Sweeper) Start() {
	s.Sweep(context.Background())
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
