package signaling

import (
	"time"

	"github.com/spf13/viper"
)

type Options struct {
	QueueSize      int           `mapstructure:"queue_size"`
	InviteGrace    time.Duration `mapstructure:"invite_grace"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	ReaperSchedule string        `mapstructure:"reaper_schedule"`
}

func DefaultOptions() Options {
	return Options{
		QueueSize:      64,
		InviteGrace:    2 * time.Minute,
		StaleThreshold: 2 * time.Hour,
		IdleTimeout:    90 * time.Second,
		PingPeriod:     25 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      5 * time.Second,
		ReadLimit:      64 * 1024,
		ReaperSchedule: "@every 1m",
	}
}

// LoadOptions reads the calling table of the settings on top of the defaults.
func LoadOptions() (Options, error) {
	opts := DefaultOptions()
	if err := viper.UnmarshalKey("calling", &opts); err != nil {
		return opts, err
	}
	defaults := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaults.PingPeriod
	}
	if opts.PongWait <= opts.PingPeriod {
		opts.PongWait = opts.PingPeriod * 2
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaults.WriteWait
	}
	return opts, nil
}
