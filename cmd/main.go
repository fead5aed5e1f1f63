package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"fenrir/internal/config"
	"fenrir/internal/coordinator"
	"fenrir/internal/exchange"
	"fenrir/internal/pool"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// seedItems are the instruments this process spawns a worker for on
// startup; a real deployment would drive this from config or an admin
// API instead of a literal.
var seedItems = map[string]float64{
	"BTC": 50000,
	"ETH": 3000,
}

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	cfg := config.Default()
	p := pool.New(cfg, pool.DefaultRNGFactory)

	for itemID, initialPrice := range seedItems {
		if err := p.Spawn(ctx, itemID, initialPrice); err != nil {
			log.Fatal().Str("itemID", itemID).Err(err).Msg("failed to spawn worker")
		}
	}

	coord := coordinator.New(cfg, p, p.Items)
	coordTomb := &tomb.Tomb{}
	coordTomb.Go(func() error { return coord.Run(coordTomb) })

	ex := exchange.New(cfg, p, coord)
	_ = ex // the façade is the embedding surface; this binary just keeps it alive

	log.Info().Strs("items", p.Items()).Msg("exchange running")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	coordTomb.Kill(nil)
	_ = coordTomb.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("error stopping worker pool")
	}
}
