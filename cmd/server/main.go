package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"

	"verigate/internal/audit"
	"verigate/internal/capture"
	"verigate/internal/credentials"
	"verigate/internal/platform/config"
	"verigate/internal/platform/httpserver"
	"verigate/internal/platform/logger"
	"verigate/internal/platform/middleware"
	platformredis "verigate/internal/platform/redis"
	"verigate/internal/profile"
	"verigate/internal/sessioncache"
	httptransport "verigate/internal/transport/http"
	"verigate/internal/verification"
)

// main wires dependencies and owns the server lifecycle. Business logic lives
// in the internal service packages; anything optional (postgres, redis, the
// liveness provider) degrades to an in-memory or disabled variant so a dev
// instance starts with no external services at all.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.PostgresURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			log.Error("open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var profiles profile.Store
	var auditStore audit.Store
	if db != nil {
		profiles = profile.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
	} else {
		log.Warn("postgres not configured, using in-memory stores")
		profiles = profile.NewInMemoryStore()
		auditStore = audit.NewInMemoryStore()
	}

	var sessions sessioncache.Store
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		sessions = sessioncache.NewRedisStore(redisClient.Client)
	} else {
		log.Warn("redis not configured, using in-memory session cache")
		sessions = sessioncache.NewInMemoryStore()
	}

	auditPub := audit.NewPublisher(256, log)
	auditWorker := audit.NewWorker(auditStore, auditPub.Inbox(), log)
	go func() {
		if err := auditWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("audit worker stopped", "error", err)
		}
	}()

	kycGateway := verification.NewKYCClient(cfg.KYC, log)

	var livenessGateway verification.LivenessGateway
	var scanner capture.Scanner
	var objects capture.ObjectStore
	var resolver verification.CredentialSource
	if cfg.Liveness.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Liveness.Region))
		if err != nil {
			log.Error("load aws config", "error", err)
			os.Exit(1)
		}
		rekognitionClient := rekognition.NewFromConfig(awsCfg)
		livenessGateway = verification.NewLivenessClient(rekognitionClient, cfg.Liveness.MinScore, log)
		scanner = capture.NewRekognitionScanner(rekognitionClient, cfg.Capture.MinConfidence, cfg.Capture.MaxImageBytes, log)
		objects = capture.NewS3ObjectStore(s3.NewFromConfig(awsCfg), cfg.Capture.Bucket, cfg.Capture.Region)

		primary := &credentials.AmbientProvider{Region: cfg.Liveness.Region, Timeout: cfg.Liveness.PrimaryTimeout}
		var fallback credentials.Provider
		if cfg.Liveness.IdentityPoolID != "" {
			fallback = &credentials.IdentityPoolProvider{
				Client: cognitoidentity.NewFromConfig(awsCfg),
				PoolID: cfg.Liveness.IdentityPoolID,
			}
		}
		resolver = credentials.NewResolver(primary, fallback, log)
	} else {
		log.Warn("liveness provider disabled")
		resolver = credentials.NewResolver(&credentials.AmbientProvider{Region: cfg.Liveness.Region}, nil, log)
	}

	coordinator := verification.NewCoordinator(profiles, kycGateway, livenessGateway, resolver, sessions, auditPub, log)
	poller := verification.NewPoller(coordinator, cfg.PollInterval, cfg.PollStallAfter, func(subjectID string) {
		log.Warn("verification progress stalled", "subject_id", subjectID)
	}, log)

	var avatars capture.AvatarClient
	if cfg.Capture.AvatarBaseURL != "" {
		avatars = capture.NewHTTPAvatarClient(cfg.Capture.AvatarBaseURL, log)
	}
	pipeline := capture.NewPipeline(scanner, objects, profiles, avatars, auditPub, log)

	router := httptransport.NewRouter(httptransport.Deps{
		Auth:         middleware.NewAuthenticator(cfg.JWTSigningKey),
		Verification: httptransport.NewVerificationHandler(coordinator, poller, kycGateway, log),
		Capture:      httptransport.NewCaptureHandler(pipeline, log),
		Profile:      httptransport.NewProfileHandler(profiles, log),
		Logger:       log,
	})

	srv := httpserver.New(cfg.Addr, router)
	log.Info("starting verigate", "addr", cfg.Addr, "liveness_enabled", cfg.Liveness.Enabled)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
