package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"walkie/coord/internal/audiocache"
	"walkie/coord/internal/autorecord"
	"walkie/coord/internal/config"
	"walkie/coord/internal/coordinator"
	"walkie/coord/internal/floor"
	"walkie/coord/internal/msgsvc"
	"walkie/coord/internal/playback"
	"walkie/coord/internal/playedstore"
	"walkie/coord/internal/transport"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	played := playedstore.NewRedis(rdb, cfg.Redis.TTL)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	ch, err := transport.Dial(dialCtx, cfg.Transport.URL)
	dialCancel()
	if err != nil {
		log.Printf("transport dial %s: %v", cfg.Transport.URL, err)
		os.Exit(1)
	}

	msgs := msgsvc.NewHTTPClient(cfg.Messages.BaseURL, cfg.Messages.APIKey)
	rec := &nullRecorder{}
	player := &nullPlayer{}

	fc := floor.NewClient(ch, floor.Config{
		RequestTimeout: cfg.Transport.FloorRequestTimeout,
		LockStale:      cfg.Floor.LockStale,
		StopEchoGuard:  cfg.Floor.StopEchoGuard,
	})
	cache := audiocache.New(&refLoader{}, player, cfg.Cache.MaxEntries, cfg.Cache.MaxAge)
	pq := playback.NewEngine(playback.Config{
		SettleDelay:        cfg.Playback.SettleDelay,
		ResolveMaxAttempts: cfg.Playback.ResolveMaxAttempts,
		ResolveRetryDelay:  cfg.Playback.ResolveRetryDelay,
		QueueMaxRetries:    cfg.Playback.QueueMaxRetries,
		LockStale:          cfg.Playback.LockStale,
	}, cache, msgs, played)
	ar := autorecord.NewEngine(autorecord.Config{
		Enabled:            cfg.AutoRecord.Enabled,
		CooldownTwoParty:   cfg.AutoRecord.CooldownTwoParty,
		CooldownGroup:      cfg.AutoRecord.CooldownGroup,
		CooldownDegenerate: cfg.AutoRecord.CooldownDegenerate,
	}, fc, pq, rec)

	coord := coordinator.New(ch, fc, pq, ar, cache, rec, player)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutdown signal received; stopping...")
		// Leave the floor queue before dropping the channel so the server
		// does not carry an orphaned entry.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		coord.DeactivateChat(ctx)
		_ = ch.Close()
		_ = srv.Shutdown(ctx)
		cancel()
	}()

	log.Printf("coordd starting on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Println("server error:", err)
		os.Exit(1)
	}
}

// nullRecorder and nullPlayer stand in for the device drivers when coordd
// runs headless (soak tests, protocol debugging against a live backend).
type nullRecorder struct{}

func (nullRecorder) StartRecording(context.Context) (string, error) {
	return "null-rec", nil
}

func (nullRecorder) StopRecording(context.Context, string) (string, error) {
	return "", nil
}

type nullPlayer struct {
	finished func(string)
}

func (p *nullPlayer) Play(_ context.Context, ref string) (string, error) {
	handle := "null:" + ref
	// No audio device: report completion immediately so the queue drains.
	if p.finished != nil {
		go p.finished(handle)
	}
	return handle, nil
}

func (p *nullPlayer) Pause(string) error         { return nil }
func (p *nullPlayer) Resume(string) error        { return nil }
func (p *nullPlayer) OnFinished(fn func(string)) { p.finished = fn }

// refLoader passes audio refs through untouched; decoding happens in the
// embedding application, not in the headless daemon.
type refLoader struct{}

func (refLoader) Load(_ context.Context, ref string) (string, int64, error) {
	return ref, 0, nil
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
