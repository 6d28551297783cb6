package main

import (
	"flag"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/celer-network/go-settlement/bridge"
	"github.com/celer-network/go-settlement/config"
	"github.com/celer-network/go-settlement/db/badgerdb"
	"github.com/celer-network/go-settlement/finalization"
	"github.com/celer-network/go-settlement/guard"
	"github.com/celer-network/go-settlement/monitor"
)

var (
	configPath    = flag.String("config", "config/config.yaml", "Config file")
	assetsPath    = flag.String("assets", "config/assets.yaml", "Asset list file")
	sweepInterval = flag.Duration("sweepinterval", 10*time.Second, "Finalization sweep interval")
)

func main() {
	flag.Parse()
	log.Logger = log.With().Caller().Logger()

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	database, err := badgerdb.NewDB(conf.DBDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open db")
	}

	alerter := monitor.LogAlerter{}
	rateGuard := guard.New(database, conf.RateLimit, alerter)

	finalizer, err := finalization.NewEngine(
		database, conf.FinalizationChallengePeriod, finalization.AcceptAllDA{}, alerter)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create finalization engine")
	}

	bridgeEngine, err := bridge.NewEngine(
		database, conf.Bridge, conf.Signers, bridge.FlatFeeBps(conf.FeeBps), rateGuard, alerter)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bridge engine")
	}

	assets, err := config.LoadAssets(*assetsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load asset list")
	}
	for _, asset := range assets {
		err = bridgeEngine.RegisterAsset(asset)
		if err != nil && err != bridge.ErrAssetExists {
			log.Fatal().Err(err).Uint64("assetId", asset.ID).Msg("Failed to register asset")
		}
	}

	go sweepFinalizations(finalizer)

	log.Info().
		Uint64("challengePeriod", conf.FinalizationChallengePeriod).
		Int("signers", len(conf.Signers)).
		Int("assets", len(assets)).
		Msg("Settlement node started")
	<-make(chan interface{})
}

func sweepFinalizations(finalizer *finalization.Engine) {
	ticker := time.NewTicker(*sweepInterval)
	for range ticker.C {
		finalized, err := finalizer.FinalizeDue(uint64(time.Now().Unix()))
		if err != nil {
			log.Error().Err(err).Msg("Finalization sweep failed")
			continue
		}
		if len(finalized) > 0 {
			log.Info().Int("count", len(finalized)).Msg("Finalized due outputs")
		}
	}
}
