// Command lavaprobe connects to an audio node, prints its stats, and
// optionally resolves a search query. It is a smoke-test tool for node
// deployments, not a bot.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/lava"
	"github.com/dkeye/lava/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	protocol := lava.ProtocolLavalink
	if cfg.Protocol == "obsidian" {
		protocol = lava.ProtocolObsidian
	}

	pool := lava.NewNodePool()
	node, err := pool.Create(ctx, lava.NodeConfig{
		Identifier: "probe",
		Protocol:   protocol,
		Host:       cfg.Host,
		Port:       cfg.Port,
		WSURL:      cfg.WSURL,
		RESTURL:    cfg.RESTURL,
		Password:   cfg.Password,
		UserID:     cfg.UserID,
		// sonic is noticeably faster than the default on the large
		// loadtracks responses this tool prints.
		Marshal:   sonic.Marshal,
		Unmarshal: sonic.Unmarshal,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to node")
	}
	defer node.Disconnect()

	statsCtx, statsCancel := context.WithTimeout(ctx, 10*time.Second)
	stats, err := node.FetchStats(statsCtx)
	statsCancel()
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch stats")
	} else {
		log.Info().
			Int("players", stats.Players).
			Int("playing", stats.PlayingPlayers).
			Int64("uptime_ms", stats.Uptime).
			Int64("memory_used", stats.Memory.Used).
			Float64("system_load", stats.CPU.SystemLoad).
			Msg("node stats")
	}

	if len(os.Args) > 1 {
		query := os.Args[1]
		searchCtx, searchCancel := context.WithTimeout(ctx, 15*time.Second)
		result, err := node.Search(searchCtx, query)
		searchCancel()
		if err != nil {
			log.Fatal().Err(err).Str("query", query).Msg("search failed")
		}
		log.Info().
			Str("query", query).
			Str("load_type", string(result.LoadType)).
			Int("tracks", len(result.Tracks)).
			Msg("search ok")
		for i, track := range result.Tracks {
			if i >= 5 {
				break
			}
			entry := log.Info().
				Str("title", track.Info.Title).
				Str("author", track.Info.Author).
				Dur("length", track.Duration())
			if track.Info.URI != nil {
				entry = entry.Str("uri", *track.Info.URI)
			}
			entry.Msg("track")
		}
	}

	log.Info().Msg("probe finished")
}
