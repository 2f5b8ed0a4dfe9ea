package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat4all-service/internal/blobstore"
	"chat4all-service/internal/config"
	"chat4all-service/internal/db"
	"chat4all-service/internal/handlers"
	"chat4all-service/internal/middleware"
	"chat4all-service/internal/observability"
	"chat4all-service/internal/pipeline"
	"chat4all-service/internal/repositories"
	"chat4all-service/internal/status"
	"chat4all-service/internal/stream"
	"chat4all-service/internal/upload"
	"chat4all-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	messageRepo := repositories.NewMessageRepo(database)
	convRepo := repositories.NewConversationRepo(database)

	publisher := stream.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()

	tracker := status.NewTracker()
	hub := ws.NewHub()

	connectors := pipeline.NewConnectors()
	for channel, url := range parseWebhooks(cfg.ChannelWebhooks) {
		connectors.Register(channel, pipeline.NewWebhookConnector(url))
	}
	log.Printf("delivery channels: %v", connectors.Names())

	store, err := blobstore.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to connect to object store: %v", err)
	}
	coordinator := upload.NewCoordinator(store, cfg.UploadMaxSize, cfg.UploadChunkSize, cfg.UploadExpiry)

	service := pipeline.NewService(messageRepo, convRepo, publisher, tracker, hub, connectors)
	fanout := pipeline.NewConsumer(convRepo, tracker, connectors, hub, cfg.DeliveryTimeout)

	if cfg.AMQPURL != "" {
		consumer, err := stream.NewConsumer(cfg.AMQPURL, cfg.AMQPExchange, cfg.MessageQueue, cfg.ConsumerGroup)
		if err != nil {
			log.Fatalf("failed to start stream consumer: %v", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx, fanout.HandleMessageEvent); err != nil {
				log.Printf("stream consumer stopped: %v", err)
			}
		}()
	}

	messageHandler := handlers.NewMessageHandler(service, messageRepo, convRepo, tracker, coordinator)
	uploadHandler := handlers.NewUploadHandler(coordinator)
	wsHandler := ws.NewHandler(hub, middleware.TokenValidator(cfg.JWTSecret))

	router := gin.Default()
	router.Use(otelgin.Middleware("chat4all-service"))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret)

	router.POST("/conversations", authMiddleware, messageHandler.CreateConversation)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, messageHandler.SubmitMessage)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, messageHandler.ListMessages)
	router.GET("/messages/:message_id", authMiddleware, messageHandler.GetMessage)
	router.GET("/messages/:message_id/status", authMiddleware, messageHandler.GetMessageStatus)
	router.POST("/messages/:message_id/read", authMiddleware, messageHandler.MarkRead)

	router.POST("/uploads", authMiddleware, uploadHandler.Initiate)
	router.PUT("/uploads/:upload_id/chunks/:chunk_number", authMiddleware, uploadHandler.UploadChunk)
	router.POST("/uploads/:upload_id/complete", authMiddleware, uploadHandler.Complete)
	router.GET("/uploads/:upload_id", authMiddleware, uploadHandler.SessionState)
	router.GET("/files/:file_id/url", authMiddleware, uploadHandler.DownloadURL)

	router.GET("/ws", wsHandler.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

// parseWebhooks parses "name=url,name=url" channel connector pairs.
func parseWebhooks(spec string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		if !ok || name == "" || url == "" {
			log.Printf("skipping malformed channel webhook entry: %q", pair)
			continue
		}
		out[name] = url
	}
	return out
}
