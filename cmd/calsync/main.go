package main

import (
	"log"
	"os"

	"github.com/jlewiss/calbridge/internal/adapters/servicea"
	"github.com/jlewiss/calbridge/internal/adapters/serviceb"
	"github.com/jlewiss/calbridge/internal/cli"
	"github.com/jlewiss/calbridge/internal/config"
	"github.com/jlewiss/calbridge/internal/logging"
	"github.com/jlewiss/calbridge/internal/pairmanager"
	"github.com/jlewiss/calbridge/internal/store/sqlite"
	"github.com/jlewiss/calbridge/internal/sync"
)

func main() {
	os.Exit(run())
}

// run wires config, store, both service adapters, the pair manager and the
// sync engine in dependency order, mirroring the teacher's cmd/sercha's
// sequential construction with no DI framework: each step either succeeds
// or logs and returns 1 immediately.
func run() int {
	cfgPath := os.Getenv("CALSYNC_CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("load config: %v", err)
		return 1
	}

	logger := logging.New(cfg.LogLevel)

	st, err := sqlite.New(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error().Err(err).Msg("open store")
		return 1
	}
	defer st.Close()

	tokenSource := servicea.NewFileTokenSource(cfg.ServiceA.CredentialsPath)
	aAdapter := servicea.New(cfg.ServiceAAdapterConfig(), tokenSource)

	sbConfig, err := cfg.ServiceBAdapterConfig()
	if err != nil {
		logger.Error().Err(err).Msg("build service B config")
		return 1
	}
	bAdapter, err := serviceb.New(sbConfig)
	if err != nil {
		logger.Error().Err(err).Msg("connect service B")
		return 1
	}

	pmConfig, err := cfg.PairManagerConfig()
	if err != nil {
		logger.Error().Err(err).Msg("build pair manager config")
		return 1
	}
	manager := pairmanager.New(st, aAdapter, bAdapter, pmConfig, logger)

	syncConfig, err := cfg.SyncConfig()
	if err != nil {
		logger.Error().Err(err).Msg("build sync config")
		return 1
	}
	engine := sync.New(st, aAdapter, bAdapter, syncConfig, logger)

	cli.SetServices(&cli.Services{
		Engine:      engine,
		PairManager: manager,
	})

	if err := cli.Execute(); err != nil {
		logger.Error().Err(err).Msg("run failed")
		return 1
	}
	return 0
}
