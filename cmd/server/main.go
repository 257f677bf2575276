// Command server hosts the model scheduler and backend lifecycle manager:
// the gRPC admin control plane (LoadModel/UnloadModel/ModelStatus/
// ServerStats/Infer), a Prometheus metrics exposition, and a WebSocket
// operational dashboard, generalizing the teacher's single always-on
// router+worker processes into one model-host process per spec section
// 4.2's explicit load/unload lifecycle.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/nova-infer/server/pkg/config"
	"github.com/nova-infer/server/pkg/control"
	"github.com/nova-infer/server/pkg/dashboard"
	"github.com/nova-infer/server/pkg/framework"
	"github.com/nova-infer/server/pkg/gpupool"
	"github.com/nova-infer/server/pkg/metrics"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Load()
	log.WithFields(logrus.Fields{
		"server_id":      cfg.ServerID,
		"control_port":   cfg.ControlPort,
		"dashboard_port": cfg.DashboardPort,
		"metrics_port":   cfg.MetricsPort,
		"repository":     cfg.ModelRepositoryPath,
	}).Info("server starting")

	var pool *gpupool.Pool
	if len(cfg.GPUPoolBytes) > 0 {
		p, err := gpupool.Create(log.WithField("component", "gpupool"), cfg.GPUPoolBytes)
		if err != nil {
			log.WithError(err).Fatal("failed to create GPU pool")
		}
		pool = p
	}

	registry := framework.NewRegistry()
	host := control.NewHost(log.WithField("component", "host"), cfg.ModelRepositoryPath, registry)

	models, err := framework.DiscoverModels(cfg.ModelRepositoryPath)
	if err != nil {
		log.WithError(err).Warn("failed to scan model repository, starting with no models loaded")
	}
	for _, model := range models {
		if _, err := host.LoadModel(context.Background(), &control.LoadModelRequest{Model: model}); err != nil {
			log.WithError(err).WithField("model", model).Error("failed to load model at startup")
		}
	}

	metricsRegistry := metrics.NewRegistry()
	broadcaster := dashboard.NewBroadcaster(log.WithField("component", "dashboard"))
	publisher := dashboard.NewPublisher(log.WithField("component", "dashboard"), broadcaster, 500*time.Millisecond)
	for _, sched := range host.Schedulers() {
		metricsRegistry.RegisterScheduler(sched)
		publisher.RegisterScheduler(sched)
	}
	if pool != nil {
		metricsRegistry.RegisterPool("default", pool)
		publisher.RegisterPool("default", pool)
	}
	publisher.Start()
	defer publisher.Stop()

	grpcServer := grpc.NewServer()
	control.RegisterServer(grpcServer, host)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ControlPort))
	if err != nil {
		log.WithError(err).Fatalf("failed to listen on control port %d", cfg.ControlPort)
	}

	go func() {
		log.WithField("addr", lis.Addr().String()).Info("control plane listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.WithError(err).Fatal("control plane server failed")
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", broadcaster.HandleWS)
		addr := fmt.Sprintf(":%d", cfg.DashboardPort)
		log.WithField("addr", addr).Info("dashboard listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Fatal("dashboard server failed")
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsRegistry)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		log.WithField("addr", addr).Info("metrics listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Fatal("metrics server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")
	grpcServer.GracefulStop()
	log.Info("server stopped")
}
