package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/flightcache/flightcache/common/util"
	"github.com/flightcache/flightcache/common/version"
	"github.com/flightcache/flightcache/server/app"
)

func main() {
	fmt.Printf("Flight Cache Server v%s\n", version.VersionToString())
	fmt.Printf("Starting with args: %v\n", util.FilterOSArgs(os.Args, app.LogSafeFlags))

	config, err := app.ConfigFromFlags()
	if err != nil {
		log.Fatalf("Error parsing flags: %s", err)
	}

	server, cleanup, err := app.New(context.Background(), config)
	if err != nil {
		log.Fatalf("Error creating app: %s", err)
	}
	defer cleanup()

	err = server.Start(context.Background())
	if err != nil {
		log.Fatalf("Error starting server: %s", err)
	}

	// Wait for SIGINT or SIGTERM before shutting down
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace)
	defer cancel()
	err = server.Stop(ctx)
	if err != nil {
		log.Fatal(err.Error())
	}
	log.Print("Server shutdown complete")
}
