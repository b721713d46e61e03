package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gurunrao/taskmesh/internal/manager"
	"github.com/gurunrao/taskmesh/internal/service"
	"github.com/gurunrao/taskmesh/internal/store"
	"github.com/gurunrao/taskmesh/internal/task"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS with retry
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Build the coordination store, handler registry and service
	registry := task.NewRegistry()
	registry.RegisterHandler("echo", task.HandlerFunc(echoTask))
	registry.RegisterHandler("countdown", task.HandlerFunc(countdownTask))
	registry.RegisterHandler("heartbeat-report", task.HandlerFunc(heartbeatReportTask))

	svc, err := service.New(store.NewNATSStore(js, logger), registry, service.Config{
		PoolWorkers:     viper.GetInt("executor.pool_workers"),
		PoolQueue:       viper.GetInt("executor.pool_queue"),
		LivenessTimeout: viper.GetDuration("executor.liveness_timeout"),
		SweepInterval:   viper.GetDuration("executor.sweep_interval"),
		JournalPath:     viper.GetString("executor.journal_path"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create coordinating service", zap.Error(err))
	}

	executorID := viper.GetString("executor.id")
	if executorID == "" {
		host, _ := os.Hostname()
		// hostnames are often FQDNs; dots are reserved by assignment keys
		host = strings.ReplaceAll(host, ".", "-")
		executorID = fmt.Sprintf("executor-%s-%d", host, os.Getpid())
	}

	reg, err := svc.Register(executorID)
	if err != nil {
		logger.Fatal("Failed to register executor", zap.Error(err))
	}
	logger.Info("Executor registered", zap.String("executor_id", reg.ID()))

	// Optionally submit demo tasks
	if viper.GetBool("demo.submit_tasks") {
		payload, _ := json.Marshal(map[string]string{"message": "hello from taskmesh"})
		if _, err := svc.Submit(manager.SubmitOptions{
			Type:    "echo",
			Payload: payload,
		}); err != nil {
			logger.Error("Failed to submit demo task", zap.Error(err))
		}

		if _, err := svc.Submit(manager.SubmitOptions{
			Type:     "heartbeat-report",
			CronSpec: "*/30 * * * * *",
		}); err != nil {
			logger.Error("Failed to submit recurring demo task", zap.Error(err))
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Drain gracefully, then tear down
	reg.Shutdown()
	drainWait := viper.GetDuration("executor.drain_timeout")
	if drainWait <= 0 {
		drainWait = 10 * time.Second
	}
	deadline := time.Now().Add(drainWait)
	for reg.TasksInProgress() > 0 && time.Now().Before(deadline) {
		time.Sleep(250 * time.Millisecond)
	}

	svc.Shutdown()
	logger.Info("Shutdown complete")
}

// echoTask returns its payload as the task result.
func echoTask(ctx task.Context) task.Outcome {
	return task.Complete(ctx.Payload())
}

// countdownTask counts down through its persisted properties, yielding
// between steps. The remaining count survives yields and executor failover
// via the task property bag.
func countdownTask(ctx task.Context) task.Outcome {
	props, err := ctx.Properties()
	if err != nil {
		return task.Fail(err)
	}

	remaining := 3
	if value, ok, err := props.Get("remaining"); err != nil {
		return task.Fail(err)
	} else if ok {
		fmt.Sscanf(value, "%d", &remaining)
	}

	if remaining <= 0 {
		return task.Complete([]byte(`"liftoff"`))
	}
	if err := props.Set("remaining", fmt.Sprintf("%d", remaining-1)); err != nil {
		return task.Fail(err)
	}
	return task.YieldFor(time.Second)
}

// heartbeatReportTask emits a timestamp; submitted with a cron spec it
// turns into a recurring report.
func heartbeatReportTask(ctx task.Context) task.Outcome {
	report, err := json.Marshal(map[string]string{
		"executor": ctx.ExecutorID(),
		"at":       time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return task.Fail(err)
	}
	return task.Complete(report)
}
