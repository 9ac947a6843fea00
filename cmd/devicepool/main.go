package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	dp "github.com/xmidt-org/devicepool"
	"github.com/xmidt-org/devicepool/bridge/wsbridge"
	"github.com/xmidt-org/devicepool/internal/server"
	"github.com/xmidt-org/devicepool/manager"
)

// devicepool: wires a websocket-backed bridge adapter to the Core Manager
// and exposes the resulting pool state on /api/devices.
func main() {
	brokerURL := os.Getenv("DEVICEPOOL_BROKER_WS")
	if brokerURL == "" {
		brokerURL = "ws://localhost:6200/bridge"
	}
	addr := os.Getenv("DEVICEPOOL_STATUS_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	bridge := wsbridge.New(brokerURL, nil)
	cfg := dp.StaticConfig{Opts: dp.DefaultOptions()}
	m := manager.New(manager.Config{
		ConfigProvider: cfg,
		Bridge:         bridge,
	})

	if err := m.Init(context.Background()); err != nil {
		log.Fatalf("failed to init device pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, errCh, err := server.Start(ctx, server.Config{ListenAddr: addr, Pool: m})
	if err != nil {
		log.Fatalf("failed to start status API: %v", err)
	}
	go func() {
		if err := <-errCh; err != nil {
			log.Printf("status API error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Printf("devicepool running on %s (GET /api/devices), bridge %s", addr, brokerURL)
	<-sigCh
	log.Printf("shutdown signal received; stopping")
	cancel()
	if err := m.TerminateHard(); err != nil {
		log.Printf("terminateHard: %v", err)
	}
}
