package gap

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Rds is nil when no redis address is configured, pushes are skipped then.
var Rds *redis.Client

type EventPackage struct {
	Action  string `json:"action"`
	Targets []uint `json:"targets"`
	Payload any    `json:"payload"`
}

func Connect() error {
	addr := viper.GetString("redis.addr")
	if len(addr) == 0 {
		log.Warn().Msg("Redis address is not configured, call events will not be published...")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return err
	}

	Rds = client
	return nil
}

func Disconnect() {
	if Rds != nil {
		_ = Rds.Close()
	}
}

func eventChannel() string {
	if ch := viper.GetString("redis.channel"); len(ch) > 0 {
		return ch
	}
	return "calling.events"
}

// PushEvent publishes a call event for the target accounts.
// Failures are logged only, the call lifecycle never waits on delivery.
func PushEvent(action string, targets []uint, payload any) {
	if Rds == nil || len(targets) == 0 {
		return
	}

	raw, err := jsoniter.Marshal(EventPackage{
		Action:  action,
		Targets: targets,
		Payload: payload,
	})
	if err != nil {
		log.Error().Err(err).Str("action", action).Msg("An error occurred when encoding call event...")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := Rds.Publish(ctx, eventChannel(), raw).Err(); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("An error occurred when publishing call event...")
	}
}
