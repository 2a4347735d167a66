package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/opentenders/registry-sync/cmd"
	"github.com/opentenders/registry-sync/internal/db"
	"github.com/opentenders/registry-sync/internal/log"
	"github.com/opentenders/registry-sync/internal/util"
)

func main() {
	config := util.GetConfig()

	log.InitLogger(config)

	// log panic error
	defer func() {
		if r := recover(); r != nil {
			logger := log.GetLogger()
			logger.Panic(r)
		}
	}()

	connection, err := db.GetConnection(config)
	if err != nil {
		// re-fetching logger to log with all fields appended during program run
		logger := log.GetLogger()
		logger.Fatalln(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = cmd.Run(ctx, connection, config)
	if err != nil {
		logger := log.GetLogger()
		logger.Fatalln(err)
	}

	os.Exit(0)
}
