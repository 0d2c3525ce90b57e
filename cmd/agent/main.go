package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/itskum47/bundleworker/agent"
)

func main() {
	port := getEnvInt("AGENT_PORT", 8081)
	baseDir := getEnv("AGENT_BASE_DIR", "/tmp/bundleworker-agent")

	cfg := agent.LoadConfig(port, baseDir)
	log.Printf("[agent] starting. node id: %s", cfg.NodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[agent] received shutdown signal")
		cancel()
	}()

	executor := agent.NewExecutor(cfg)
	server := agent.NewServer(cfg, executor)
	go func() {
		if err := server.Start(); err != nil {
			log.Printf("[agent] ❌ http server failed: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("[agent] shutting down.")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[agent] invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}
