package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/bot"
	"github.com/VeridonNetzwerk/discord-universal-bot/config"
	"github.com/VeridonNetzwerk/discord-universal-bot/events"
	"github.com/VeridonNetzwerk/discord-universal-bot/handlers"
	"github.com/VeridonNetzwerk/discord-universal-bot/lang"
	"github.com/VeridonNetzwerk/discord-universal-bot/logger"
	"github.com/VeridonNetzwerk/discord-universal-bot/music"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
	"github.com/VeridonNetzwerk/discord-universal-bot/tickets"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to config file")
	cleanup := flag.Bool("cleanup", false, "Remove slash commands on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, cfg, *cleanup, log); err != nil {
		log.Error("bot stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath string, cfg *config.Config, cleanup bool, log *zap.Logger) error {
	ctx := context.Background()
	holder := config.NewHolder(configPath, cfg)

	if err := lang.Load(cfg.LangFile, log); err != nil {
		log.Warn("language file not loaded, using defaults", zap.Error(err))
	}

	db, err := storage.OpenDatabase(ctx, &cfg.Database, log)
	if err != nil {
		log.Warn("ticket database unavailable, tickets are kept in memory only", zap.Error(err))
		db = storage.NopDatabase{}
	}
	defer db.Close()

	pub, err := events.NewPublisher(&cfg.Events, log)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer pub.Close()

	store := storage.NewStore()
	router := handlers.NewRouter(cfg.Router.Workers, log)

	b, err := bot.New(cfg, log)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	if err := b.Start(); err != nil {
		return fmt.Errorf("start bot: %w", err)
	}
	defer b.Stop()

	readyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = b.WaitReady(readyCtx)
	cancel()
	if err != nil {
		return err
	}

	ticketEngine := tickets.NewEngine(store, handlers.NewDiscordThreads(b.Session, holder), db, pub, log)

	voiceInfo := music.NewVoiceRegistry()
	notify := handlers.NewNotifier(b.Session, holder, log)
	var player *music.Engine
	if cfg.Music.Enabled {
		var closers []io.Closer
		player, closers, err = newMusic(ctx, cfg, b, store, voiceInfo, notify, log)
		for _, c := range closers {
			defer c.Close()
		}
		if err != nil {
			log.Warn("music system init failed, music commands are disabled", zap.Error(err))
		} else {
			player.SetDispatcher(func(guildID string, fn func(ctx context.Context)) {
				router.Submit(handlers.Event{GuildID: guildID, Name: "music", Run: fn})
			})
		}
	}

	h := handlers.New(handlers.Deps{
		Config:   holder,
		Store:    store,
		Tickets:  ticketEngine,
		Music:    player,
		Notifier: notify,
		Voice:    voiceInfo,
		Router:   router,
		Log:      log,
	})
	h.Register(b.Session)
	b.RegisterCommands(handlers.Commands(cfg))

	log.Info("bot is running, press Ctrl+C to exit")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	if cleanup {
		b.CleanupCommands()
	}
	if player != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		player.Shutdown(shutdownCtx)
		cancel()
	}
	router.Close()
	notify.Wait()
	return nil
}

func newMusic(ctx context.Context, cfg *config.Config, b *bot.Bot, store *storage.Store, voiceInfo *music.VoiceRegistry, notify music.Notifier, log *zap.Logger) (*music.Engine, []io.Closer, error) {
	var (
		resolver music.Resolver
		backend  music.Backend
		voice    *music.DiscordVoice
		closers  []io.Closer
	)
	switch cfg.Music.Backend {
	case "lavalink":
		voice = music.NewDiscordVoice(b.Session, true, log)
		ll, err := music.NewLavalinkBackend(ctx, &cfg.Music.Lavalink, b.UserID(), voiceInfo, log)
		if err != nil {
			return nil, nil, err
		}
		resolver, backend = ll, ll
	default:
		voice = music.NewDiscordVoice(b.Session, false, log)
		yt, err := music.NewYTDLPResolver(cfg.Music.Direct.YTDLPPath, log)
		if err != nil {
			return nil, nil, err
		}
		direct, err := music.NewDirectBackend(cfg.Music.Direct.FFmpegPath, voice, log)
		if err != nil {
			return nil, nil, err
		}
		resolver, backend = yt, direct
	}

	cache, err := music.NewMetadataCache(ctx, &cfg.Music.Cache, log)
	if err != nil {
		log.Warn("metadata cache disabled", zap.Error(err))
	} else if cache != nil {
		resolver = music.NewCachedResolver(resolver, cache)
		if c, ok := cache.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	engine := music.NewEngine(store, resolver, backend, voice, notify, music.SettingsFrom(cfg), log)
	log.Info("music system ready", zap.String("backend", engine.BackendName()))
	return engine, closers, nil
}
