package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     string
		LogLevel string
	}
	Transport struct {
		URL                 string
		FloorRequestTimeout time.Duration
	}
	Floor struct {
		LockStale     time.Duration
		StopEchoGuard time.Duration
	}
	Playback struct {
		SettleDelay        time.Duration
		ResolveMaxAttempts int
		ResolveRetryDelay  time.Duration
		QueueMaxRetries    int
		LockStale          time.Duration
	}
	AutoRecord struct {
		Enabled            bool
		CooldownTwoParty   time.Duration
		CooldownGroup      time.Duration
		CooldownDegenerate time.Duration
	}
	Cache struct {
		MaxEntries int
		MaxAge     time.Duration
	}
	Messages struct {
		BaseURL string
		APIKey  string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
		TTL      time.Duration
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Cooldowns and retry counts are tuned values, not derived.
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("transport.url", "ws://localhost:9090/ws/chat")
	v.SetDefault("transport.floor_request_timeout", "2s")

	v.SetDefault("floor.lock_stale", "30s")
	v.SetDefault("floor.stop_echo_guard", "5s")

	v.SetDefault("playback.settle_delay", "500ms")
	v.SetDefault("playback.resolve_max_attempts", 10)
	v.SetDefault("playback.resolve_retry_delay", "300ms")
	v.SetDefault("playback.queue_max_retries", 5)
	v.SetDefault("playback.lock_stale", "5s")

	v.SetDefault("autorecord.enabled", true)
	v.SetDefault("autorecord.cooldown_two_party", "20s")
	v.SetDefault("autorecord.cooldown_group", "30s")
	v.SetDefault("autorecord.cooldown_degenerate", "15s")

	v.SetDefault("cache.max_entries", 20)
	v.SetDefault("cache.max_age", "10m")

	v.SetDefault("messages.base_url", "http://localhost:9090/api/v1")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "168h")

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")

	v.BindEnv("transport.url", "TRANSPORT_URL")
	v.BindEnv("transport.floor_request_timeout", "FLOOR_REQUEST_TIMEOUT")

	v.BindEnv("floor.lock_stale", "FLOOR_LOCK_STALE")
	v.BindEnv("floor.stop_echo_guard", "FLOOR_STOP_ECHO_GUARD")

	v.BindEnv("playback.settle_delay", "PLAYBACK_SETTLE_DELAY")
	v.BindEnv("playback.resolve_max_attempts", "PLAYBACK_RESOLVE_MAX_ATTEMPTS")
	v.BindEnv("playback.resolve_retry_delay", "PLAYBACK_RESOLVE_RETRY_DELAY")
	v.BindEnv("playback.queue_max_retries", "PLAYBACK_QUEUE_MAX_RETRIES")
	v.BindEnv("playback.lock_stale", "PLAYBACK_LOCK_STALE")

	v.BindEnv("autorecord.enabled", "AUTORECORD_ENABLED")
	v.BindEnv("autorecord.cooldown_two_party", "AUTORECORD_COOLDOWN_TWO_PARTY")
	v.BindEnv("autorecord.cooldown_group", "AUTORECORD_COOLDOWN_GROUP")
	v.BindEnv("autorecord.cooldown_degenerate", "AUTORECORD_COOLDOWN_DEGENERATE")

	v.BindEnv("cache.max_entries", "CACHE_MAX_ENTRIES")
	v.BindEnv("cache.max_age", "CACHE_MAX_AGE")

	v.BindEnv("messages.base_url", "MESSAGES_BASE_URL")
	v.BindEnv("messages.api_key", "MESSAGES_API_KEY")

	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("redis.ttl", "REDIS_TTL")

	var c Config
	c.Server.Port = v.GetString("server.port")
	c.Server.LogLevel = v.GetString("server.log_level")

	c.Transport.URL = v.GetString("transport.url")
	c.Transport.FloorRequestTimeout = v.GetDuration("transport.floor_request_timeout")

	c.Floor.LockStale = v.GetDuration("floor.lock_stale")
	c.Floor.StopEchoGuard = v.GetDuration("floor.stop_echo_guard")

	c.Playback.SettleDelay = v.GetDuration("playback.settle_delay")
	c.Playback.ResolveMaxAttempts = v.GetInt("playback.resolve_max_attempts")
	c.Playback.ResolveRetryDelay = v.GetDuration("playback.resolve_retry_delay")
	c.Playback.QueueMaxRetries = v.GetInt("playback.queue_max_retries")
	c.Playback.LockStale = v.GetDuration("playback.lock_stale")

	c.AutoRecord.Enabled = v.GetBool("autorecord.enabled")
	c.AutoRecord.CooldownTwoParty = v.GetDuration("autorecord.cooldown_two_party")
	c.AutoRecord.CooldownGroup = v.GetDuration("autorecord.cooldown_group")
	c.AutoRecord.CooldownDegenerate = v.GetDuration("autorecord.cooldown_degenerate")

	c.Cache.MaxEntries = v.GetInt("cache.max_entries")
	c.Cache.MaxAge = v.GetDuration("cache.max_age")

	c.Messages.BaseURL = v.GetString("messages.base_url")
	c.Messages.APIKey = v.GetString("messages.api_key")

	c.Redis.Addr = v.GetString("redis.addr")
	c.Redis.Password = v.GetString("redis.password")
	c.Redis.DB = v.GetInt("redis.db")
	c.Redis.TTL = v.GetDuration("redis.ttl")

	log.Printf("config loaded: port=%s transport=%s", c.Server.Port, c.Transport.URL)
	return c
}

// CooldownFor returns the auto-record cooldown for a chat of the given size.
func (c Config) CooldownFor(chatSize int) time.Duration {
	switch {
	case chatSize <= 1:
		return c.AutoRecord.CooldownDegenerate
	case chatSize == 2:
		return c.AutoRecord.CooldownTwoParty
	default:
		return c.AutoRecord.CooldownGroup
	}
}
