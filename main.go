package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap/zapcore"

	"IMDeliver/global"
	"IMDeliver/logger"
	"IMDeliver/model"
	"IMDeliver/service/chat"
	"IMDeliver/service/events"
	"IMDeliver/service/retry"
	"IMDeliver/service/rpc"
	"IMDeliver/service/storage"
	"IMDeliver/service/storage/mgo"
	redisstore "IMDeliver/service/storage/redis"
	"IMDeliver/tools/ids"
	"IMDeliver/tools/safe"
)

func loadConfig(path string) (*global.AppConfig, error) {
	if path == "" {
		return global.Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return global.Load(m)
}

// exhaustionReporter parks exhausted messages offline and emits the
// alerting event.
type exhaustionReporter struct {
	router *chat.Router
	sink   *events.Sink
}

func (r *exhaustionReporter) TerminalFailure(ctx context.Context, msg *model.Message, attempts int) {
	r.router.ConvertToOffline(ctx, msg)
	r.sink.DeliveryExhausted(ctx, msg, attempts)
}

func (r *exhaustionReporter) TerminalAckFailure(ctx context.Context, ack *model.ServerAck, attempts int) {
	r.sink.AckExhausted(ctx, ack, attempts)
}

func main() {
	cfgPath := flag.String("config", "", "path to json config file")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := zapcore.InfoLevel
	if *debug {
		level = zapcore.DebugLevel
	}
	logger.Init(level)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := redisstore.New(redisstore.Config{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
	})
	if err != nil {
		logger.Errorf("redis: %v", err)
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	store, err := mgo.Connect(ctx, mgo.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
	if err != nil {
		logger.Errorf("mongo: %v", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close(context.Background()) }()

	producer, err := storage.NewSyncProducer(cfg.Kafka.Brokers)
	if err != nil {
		logger.Warnf("kafka unavailable, offline mirror disabled: %v", err)
		producer = nil
	}

	sink, err := events.Connect(cfg.Nats.URL, cfg.Nats.EventsSubject)
	if err != nil {
		logger.Warnf("nats unavailable, events go to logs: %v", err)
		sink = nil
	}
	defer sink.Close()

	gen, err := ids.New(ids.Config{
		NodeID:         cfg.IDs.NodeID,
		DatacenterSeed: cfg.IDs.DatacenterSeed,
	})
	if err != nil {
		logger.Errorf("id generator: %v", err)
		os.Exit(1)
	}

	presence := storage.NewPresenceDirectory(rdb)
	offline := storage.NewOfflineStore(rdb, producer, cfg.Kafka.OfflineTopic)

	conns := chat.NewConnManager(chat.ManagerConf{
		NodeAddr:    cfg.NodeAddr,
		MaxPerUser:  cfg.Conn.MaxPerUser,
		SweepEvery:  cfg.Conn.SweepInterval,
		IdleTimeout: cfg.Conn.IdleTimeout,
		OnKick: func(userID string, closed int) {
			sink.UserKicked(context.Background(), userID, closed)
		},
	}, presence)
	defer conns.Close()

	pool := rpc.NewManager(rpc.Config{
		DialTimeout:       cfg.Transport.ConnectTimeout,
		CallTimeout:       cfg.Transport.CallTimeout,
		KeepAliveTime:     cfg.Transport.KeepAliveTime,
		KeepAliveTimeout:  cfg.Transport.KeepAliveTimeout,
		MaxInboundMsgSize: cfg.Transport.MaxInboundMsgSize,
		HealthInterval:    cfg.Transport.HealthInterval,
		IdleExpiry:        cfg.Transport.IdleExpiry,
	})
	pool.SetResolver(presence)
	defer pool.Close()

	router := chat.NewRouter(chat.RouterDeps{
		Conns:     conns,
		Store:     store,
		Presence:  presence,
		Offline:   offline,
		Forwarder: pool,
		IDs:       gen,
	})

	engine := retry.NewEngine(retry.Config{
		Enabled:      cfg.Retry.Enabled,
		MaxRetries:   cfg.Retry.MaxRetries,
		DelaysSec:    cfg.Retry.DelaysSec,
		BatchSize:    cfg.Retry.BatchSize,
		ScanInterval: cfg.Retry.ScanInterval,
	}, rdb, router, &exhaustionReporter{router: router, sink: sink})
	router.SetRetry(engine)
	engine.Start(ctx)
	defer engine.Stop()

	transfer := rpc.NewServer(cfg.NodeAddr, router, rpc.Config{
		KeepAliveTime:     cfg.Transport.KeepAliveTime,
		KeepAliveTimeout:  cfg.Transport.KeepAliveTimeout,
		MaxInboundMsgSize: cfg.Transport.MaxInboundMsgSize,
	})
	safe.Go(func() {
		if err := transfer.Serve(cfg.Transport.ListenAddr); err != nil {
			logger.Errorf("transfer server: %v", err)
			cancel()
		}
	})

	disp := chat.NewDispatcher()
	chat.RegisterDefaultHandlers(disp)
	ws := chat.NewWSServer(conns, router, disp)
	httpSrv := &http.Server{Addr: cfg.Conn.ListenAddr, Handler: ws.Engine()}
	safe.Go(func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("ws server: %v", err)
			cancel()
		}
	})

	logger.Infof("node %s up: ws=%s transfer=%s", cfg.NodeAddr, cfg.Conn.ListenAddr, cfg.Transport.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("signal %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	_ = httpSrv.Shutdown(shutCtx)
	transfer.Stop()
}
