// tedge-mapper-c8y — the cloud-mapper process described in spec.md §2.
// It wires the entity store, operation handler, availability monitor,
// C8Y HTTP proxy and MQTT actor together and runs them until a signal
// asks it to stop. Structure follows
// control-plane/cmd/server/main.go: console logging, a single
// supervised process, a signal channel driving a bounded graceful
// shutdown window.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/internal/availability"
	"github.com/tedge-bridge/cloud-mapper/internal/c8yproxy"
	"github.com/tedge-bridge/cloud-mapper/internal/c8yproxy/token"
	"github.com/tedge-bridge/cloud-mapper/internal/config"
	"github.com/tedge-bridge/cloud-mapper/internal/entitystore"
	"github.com/tedge-bridge/cloud-mapper/internal/entitystore/snapshot"
	"github.com/tedge-bridge/cloud-mapper/internal/fileserver"
	"github.com/tedge-bridge/cloud-mapper/internal/mapper"
	"github.com/tedge-bridge/cloud-mapper/internal/mqttclient"
	"github.com/tedge-bridge/cloud-mapper/internal/operations"
	"github.com/tedge-bridge/cloud-mapper/internal/operations/firmware"
	"github.com/tedge-bridge/cloud-mapper/internal/telemetry"
	"github.com/tedge-bridge/cloud-mapper/internal/topicscheme"
	"github.com/tedge-bridge/cloud-mapper/internal/workflow"
	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("tedge-mapper-c8y starting")

	cfg := config.Load()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor, err := build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cloud-mapper")
	}

	if err := supervisor.start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start cloud-mapper")
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		supervisor.stop(shutdownCtx)
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown error")
		}
		cancel()
	}()

	log.Info().
		Str("mqtt_host", cfg.Mqtt.Host).
		Str("c8y_host", cfg.C8y.Host).
		Msg("cloud-mapper ready")

	<-ctx.Done()
}

// app bundles the long-lived collaborators that main supervises.
type app struct {
	httpServer *http.Server
	mqtt       *mqttclient.Client
	actor      *mapper.Actor
	snapshot   snapshot.Store
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	schema := topicscheme.New(cfg.Mqtt.TopicRoot)

	mqttClient := mqttclient.New(cfg.Mqtt)

	retriever := token.NewMqttRetriever(mqttClient, cfg.C8y.TopicPrefix, cfg.C8y.TokenTimeout)
	tokenMgr := token.New(retriever)
	proxy := c8yproxy.New("https://"+cfg.C8y.Host, tokenMgr)

	mainXid := models.EntityExternalId(cfg.C8y.DeviceID)
	mainTid := models.DefaultMainDevice()

	var snapStore snapshot.Store
	var err error
	switch cfg.EntityStore.Backend {
	case "postgres":
		snapStore, err = snapshot.NewPostgresStore(ctx, cfg.EntityStore.PostgresURL)
	default:
		if err := os.MkdirAll(cfg.EntityStore.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create entity store data dir: %w", err)
		}
		snapStore, err = snapshot.NewFileStore(cfg.EntityStore.DataDir + "/entity-store.jsonl")
	}
	if err != nil {
		return nil, fmt.Errorf("open entity store snapshot: %w", err)
	}

	cache := entitystore.New(schema, mainTid, mainXid, entitystore.MapToExternalID, entitystore.ValidateExternalID, cfg.EntityStore.TelemetryCacheSize)

	if !cfg.EntityStore.CleanStart {
		regs, err := snapStore.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("replay entity store snapshot: %w", err)
		}
		for _, reg := range regs {
			if _, err := cache.RegisterEntity(reg); err != nil {
				log.Warn().Err(err).Str("topic_id", reg.TopicID.String()).Msg("failed to replay cached registration")
			}
		}
	}

	firmwareStore, err := firmware.Open(cfg.EntityStore.DataDir + "/firmware-attempts.json")
	if err != nil {
		return nil, fmt.Errorf("open firmware attempt store: %w", err)
	}

	artifactClient := fileserver.NewHTTPArtifactClient("http://" + cfg.C8y.ProxyBindAddr + "/" + cfg.C8y.ProxyPrefix)

	supervisorWf := workflow.NewSupervisor()
	for _, op := range []models.OperationType{
		models.OpSoftwareUpdate, models.OpSoftwareList, models.OpConfigSnapshot,
		models.OpConfigUpdate, models.OpLogUpload, models.OpFirmwareUpdate, models.OpRestart,
	} {
		if err := supervisorWf.RegisterBuiltinWorkflow(op); err != nil {
			return nil, fmt.Errorf("register builtin workflow %s: %w", op, err)
		}
	}

	opCtx := &operations.Context{
		Schema:          schema,
		Workflows:       supervisorWf,
		Publisher:       mqttClient,
		Uploader:        artifactClient,
		Downloader:      artifactClient,
		Firmware:        firmwareStore,
		AutoLogUpload:   models.LogUploadPolicy(cfg.Operations.AutoLogUpload),
		TedgeHTTPHost:   "http://" + cfg.C8y.ProxyBindAddr,
		ConfigUpdateDir: cfg.Operations.ConfigUpdateDir,
	}
	handler := operations.NewHandler(opCtx)

	avail := availability.New(mqttClient)

	actorCfg := mapper.Config{
		C8yTopicPrefix:       cfg.C8y.TopicPrefix,
		AutoRegister:         cfg.C8y.AutoRegister,
		AvailabilityInterval: cfg.C8y.AvailabilityInterval,
		MeasurementBatchSize: cfg.Batcher.MeasurementBatchSize,
		MeasurementBatchAge:  cfg.Batcher.MeasurementBatchAge,
	}
	mapperActor := mapper.New(schema, actorCfg, cache, mqttClient, mqttClient, handler, avail, snapStore)

	store := fileserver.NewStore()
	router := fileserver.Router(proxy, store)
	httpServer := &http.Server{
		Addr:         cfg.C8y.ProxyBindAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &app{
		httpServer: httpServer,
		mqtt:       mqttClient,
		actor:      mapperActor,
		snapshot:   snapStore,
	}, nil
}

func (a *app) start(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.mqtt.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}

	if err := a.actor.Start(ctx); err != nil {
		return fmt.Errorf("start mapper actor: %w", err)
	}

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("local http server failed")
		}
	}()

	return nil
}

func (a *app) stop(ctx context.Context) {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
	a.actor.Stop()
	a.mqtt.Disconnect(2 * time.Second)
	if a.snapshot != nil {
		if err := a.snapshot.Close(); err != nil {
			log.Warn().Err(err).Msg("entity store snapshot close error")
		}
	}
}
