package services

import (
	"errors"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// RoomCloser is the live side of the reaper: the signaling hub.
type RoomCloser interface {
	ExpireIdle(idle time.Duration) int
	CloseRoom(room string, reason string) int
}

// Reaper ends calls whose participants have shown no activity past the threshold.
// Each sweep starts over from stored state, so a failed sweep is simply retried next tick.
type Reaper struct {
	rooms     RoomCloser
	threshold time.Duration
	idle      time.Duration
}

func NewReaper(rooms RoomCloser, threshold, idle time.Duration) *Reaper {
	return &Reaper{rooms: rooms, threshold: threshold, idle: idle}
}

// Run is the scheduled entry, errors are logged and never stop the schedule.
func (v *Reaper) Run() {
	if err := v.Sweep(); err != nil {
		log.Error().Err(err).Msg("An error occurred when reaping stale calls...")
	}
}

// Schedule registers Run on a new cron. A tick that arrives while the previous
// sweep is still running is skipped.
func (v *Reaper) Schedule(schedule string) (*cron.Cron, error) {
	logger := cron.VerbosePrintfLogger(&log.Logger)
	quartz := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger)),
	)
	if _, err := quartz.AddFunc(schedule, v.Run); err != nil {
		return nil, err
	}
	return quartz, nil
}

func (v *Reaper) Sweep() error {
	deadline := time.Now().Add(-v.threshold)
	log.Debug().Time("deadline", deadline).Msg("Now reaping stale calls...")

	expired := v.rooms.ExpireIdle(v.idle)

	calls, err := ListStaleCalls(v.threshold)
	if err != nil {
		metrics.ReaperSweeps.WithLabelValues("failed").Inc()
		return err
	}

	var errs []error
	var closed, reaped int
	for _, call := range calls {
		closed += v.rooms.CloseRoom(call.RoomID, "call expired")
		if _, err := EndCall(call); err != nil {
			errs = append(errs, err)
			continue
		}
		reaped++
		metrics.ReapedCalls.Inc()
	}

	if len(errs) > 0 {
		metrics.ReaperSweeps.WithLabelValues("partial").Inc()
	} else {
		metrics.ReaperSweeps.WithLabelValues("ok").Inc()
	}

	log.Debug().
		Int("expired", expired).
		Int("closed", closed).
		Int("reaped", reaped).
		Msg("Reaping stale calls accomplished.")

	return errors.Join(errs...)
}
