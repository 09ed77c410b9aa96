package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Clear relevant envs
	os.Unsetenv("PORT")
	os.Unsetenv("AUTORECORD_COOLDOWN_GROUP")
	os.Unsetenv("PLAYBACK_QUEUE_MAX_RETRIES")
	os.Unsetenv("CACHE_MAX_ENTRIES")

	c := Load()

	if c.Server.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", c.Server.Port)
	}
	if c.AutoRecord.CooldownGroup != 30*time.Second {
		t.Fatalf("expected group cooldown 30s, got %v", c.AutoRecord.CooldownGroup)
	}
	if c.Playback.QueueMaxRetries != 5 {
		t.Fatalf("expected queue max retries 5, got %d", c.Playback.QueueMaxRetries)
	}
	if c.Playback.ResolveMaxAttempts != 10 {
		t.Fatalf("expected resolve attempts 10, got %d", c.Playback.ResolveMaxAttempts)
	}
	if c.Cache.MaxEntries != 20 {
		t.Fatalf("expected cache cap 20, got %d", c.Cache.MaxEntries)
	}
	if c.Floor.LockStale != 30*time.Second {
		t.Fatalf("expected floor lock stale 30s, got %v", c.Floor.LockStale)
	}
}

func TestCooldownFor(t *testing.T) {
	c := Load()
	if got := c.CooldownFor(2); got != 20*time.Second {
		t.Fatalf("two-party cooldown: got %v", got)
	}
	if got := c.CooldownFor(5); got != 30*time.Second {
		t.Fatalf("group cooldown: got %v", got)
	}
	if got := c.CooldownFor(1); got != 15*time.Second {
		t.Fatalf("degenerate cooldown: got %v", got)
	}
}
