// Command poolcli is a small demonstration binary wiring poolconfig,
// poolmanager, transport, and diagnostics together the way cmd/main.go
// wires the forwarder's own pieces: log init in an init() func, toml
// config load, signal-driven shutdown.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"connpool/diagnostics"
	"connpool/pool"
	"connpool/poolconfig"
	"connpool/poolmanager"
	"connpool/transport"
)

func init() {
	logDir := "./logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Warnf("could not create log directory %s: %v", logDir, err)
	}

	fileLogger := &lumberjack.Logger{
		Filename:   logDir + "/poolcli.log",
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
		Compress:   true,
	}

	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(log.InfoLevel)
}

func main() {
	configPath := flag.String("config", "poolcli.toml", "path to pool configuration")
	etcdEndpoint := flag.String("etcd", "", "etcd endpoint for pool lifecycle events; empty disables publishing")
	flag.Parse()

	pc, err := poolconfig.LoadPoolConfig(*configPath)
	if err != nil {
		log.Fatalf("loading pool configuration failed: %v", err)
	}
	cfg := pc.ToPoolConfig()

	var registry *poolmanager.Registry
	if *etcdEndpoint != "" {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{*etcdEndpoint},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("connecting to etcd at %s failed: %v", *etcdEndpoint, err)
		}
		defer client.Close()
		registry = poolmanager.NewRegistry(client, "/connpool/pools/")
	}

	dial := func(origin string) *transport.TCPFactory {
		return transport.NewTCPFactory(origin)
	}

	mgr := poolmanager.New(cfg, pool.NewTimerService(), dial, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := diagnostics.NewCollector(30*time.Second, func() map[string]diagnostics.PoolStats {
		stats := mgr.Stats()
		out := make(map[string]diagnostics.PoolStats, len(stats))
		for origin, s := range stats {
			out[origin] = diagnostics.PoolStats{Origin: origin, Stats: s}
		}
		return out
	}, func(snap diagnostics.Snapshot) {
		log.Infof("diagnostics: cpu=%.1f%% mem=%.1f%% load1=%.2f tcp=%d pools=%d",
			snap.CPUPercent, snap.MemUsedPercent, snap.LoadAvg1, snap.OpenTCPConnections, len(snap.PoolStats))
	})
	go collector.Run(ctx)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	log.Infof("poolcli init success")
	<-signalChan
	log.Infof("received signal, shutting down")
	cancel()
	mgr.ShutdownAll()
	time.Sleep(1 * time.Second)
}
