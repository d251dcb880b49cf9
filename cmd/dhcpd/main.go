package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/umegbewe/dhcplease/internal/config"
	"github.com/umegbewe/dhcplease/pkg/server"
)

func main() {
	configFile := flag.String("conf", "conf.yaml", "Path to the configuration file")
	flag.Parse()

	if envConfig := os.Getenv("DHCP_CONFIG_PATH"); envConfig != "" {
		*configFile = envConfig
	}

	cfg, err := config.LoadConfig(*configFile)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warnf("Configuration file %s not found, using built-in defaults", *configFile)
		cfg = config.Default()
	} else if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	srv, err := server.InitServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create DHCP server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.Start(ctx)
	srv.Shutdown()
	if err != nil {
		log.Fatalf("Failed to start DHCP server: %v", err)
	}
}
