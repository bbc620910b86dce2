package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meftunca/lifeguard/pkg/api"
	"github.com/meftunca/lifeguard/pkg/codec"
	"github.com/meftunca/lifeguard/pkg/compression"
	"github.com/meftunca/lifeguard/pkg/config"
	"github.com/meftunca/lifeguard/pkg/detector"
	"github.com/meftunca/lifeguard/pkg/metrics"
	"github.com/meftunca/lifeguard/pkg/storage"
	"github.com/meftunca/lifeguard/pkg/swim"
	"github.com/meftunca/lifeguard/pkg/transport"
	"github.com/meftunca/lifeguard/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	log := newLogger(cfg)

	advertiseHost := cfg.Node.AdvertiseHost
	if advertiseHost == "" {
		advertiseHost = cfg.Node.BindHost
	}
	localNode := types.NewNode(advertiseHost, cfg.Node.BindPort)
	log.WithFields(logrus.Fields{
		"swim/member": localNode.String(),
	}).Info("starting lifeguard failure detector")

	// Wire codec and compressor.
	wireCodec, err := codec.NewCodec(cfg)
	if err != nil {
		log.Fatalf("failed to initialize codec: %v", err)
	}
	compressor, err := compression.NewCompressor(cfg)
	if err != nil {
		log.Fatalf("failed to initialize compressor: %v", err)
	}

	// Tombstone store.
	tombstones, err := storage.NewTombstoneStore(cfg)
	if err != nil {
		log.Fatalf("failed to initialize tombstone store: %v", err)
	}
	defer tombstones.Close()

	// Transport.
	udp, err := transport.NewUDPTransport(transport.Config{
		BindHost:          cfg.Node.BindHost,
		BindPort:          cfg.Node.BindPort,
		CompressThreshold: cfg.Compression.ThresholdBytes,
	}, localNode, wireCodec, compressor, log)
	if err != nil {
		log.Fatalf("failed to bind transport: %v", err)
	}
	defer udp.Close()

	// The gossip selector bounds payloads by their encoded size.
	sizer := func(entries []types.GossipEntry) int {
		data, err := wireCodec.Encode(&types.Envelope{Gossip: types.Membership(entries)})
		if err != nil {
			return 0
		}
		return len(data)
	}

	inst := swim.NewInstance(localNode, cfg.Swim, swim.SystemClock{}, sizer)

	var observer detector.Observer
	var prom *metrics.PrometheusMetrics
	if cfg.Monitoring.Enabled {
		prom = metrics.NewPrometheusMetrics(cfg.Monitoring.Namespace)
		observer = prom
	}

	shell := detector.New(inst, udp, tombstones, cfg, log, observer)

	udp.Start()
	shell.Start()
	defer shell.Stop()

	// Admin API.
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = newAPIServer(shell, cfg, log, prom)
		if err := apiServer.Start(); err != nil {
			log.Fatalf("failed to start admin API: %v", err)
		}
	}

	// Contact the configured seeds to join the cluster.
	for _, seed := range cfg.Node.Join {
		node, err := parseSeed(seed)
		if err != nil {
			log.WithError(err).WithField("seed", seed).Warn("skipping invalid join address")
			continue
		}
		shell.Monitor(node)
	}

	// Wait for shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("admin API shutdown failed")
		}
	}
}

func newAPIServer(shell *detector.Shell, cfg *config.Config, log logrus.FieldLogger, prom *metrics.PrometheusMetrics) *api.Server {
	if prom != nil {
		return api.NewServer(shell, cfg, log, prom.Handler())
	}
	return api.NewServer(shell, cfg, log, nil)
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func parseSeed(seed string) (types.Node, error) {
	host, portStr, err := net.SplitHostPort(seed)
	if err != nil {
		return types.Node{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return types.Node{}, err
	}
	return types.Node{Host: host, Port: port}, nil
}
