package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/openroom/openroom/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.openroom/config.toml", "path to config file")
	httpPort := flag.Int("port", 0, "override public HTTP port")
	dbPath := flag.String("db", "", "override database path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// A local .env is optional; real deployments set the environment
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := tomlConfig.ToServerConfig()
	if *httpPort != 0 {
		config.HTTPPort = *httpPort
	}
	if *dbPath != "" {
		config.DatabasePath = *dbPath
	}

	if config.AdminSecret == "" {
		log.Println("WARNING: no admin password configured; admin login is disabled until one is set")
	}

	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
