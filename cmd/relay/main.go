package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/satsync/stac-ingester/interface/storage"
	"github.com/satsync/stac-ingester/interface/storage/gcs"
	"github.com/satsync/stac-ingester/interface/storage/s3"
	"github.com/satsync/stac-ingester/relay"
	"github.com/satsync/stac-ingester/service/log"
	"go.uber.org/zap"
)

type config struct {
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	GSBucket    string

	TTL     time.Duration
	AppPort string
}

func newAppConfig() (*config, error) {
	config := config{}
	flag.StringVar(&config.S3Endpoint, "s3-endpoint", "", "s3 endpoint url (optional, for s3-compatible services)")
	flag.StringVar(&config.S3Region, "s3-region", "us-east-1", "s3 region")
	flag.StringVar(&config.S3AccessKey, "s3-access-key", "", "s3 access key id")
	flag.StringVar(&config.S3SecretKey, "s3-secret-key", "", "s3 secret access key")
	flag.StringVar(&config.S3Bucket, "s3-bucket", "", "s3 bucket served by the relay")
	flag.StringVar(&config.GSBucket, "gs-bucket", "", "google storage bucket served by the relay (instead of s3)")
	flag.DurationVar(&config.TTL, "ttl", relay.DefaultTTL, "validity of the signed urls")
	flag.StringVar(&config.AppPort, "port", "8080", "relay port")
	flag.Parse()

	if config.S3Bucket == "" && config.GSBucket == "" {
		return nil, fmt.Errorf("missing s3-bucket or gs-bucket config flag")
	}
	return &config, nil
}

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}

	var store storage.ObjectStore
	if config.GSBucket != "" {
		if store, err = gcs.New(ctx, config.GSBucket); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	} else {
		if store, err = s3.New(ctx, s3.Config{
			Endpoint:        config.S3Endpoint,
			Region:          config.S3Region,
			AccessKeyID:     config.S3AccessKey,
			SecretAccessKey: config.S3SecretKey,
			Bucket:          config.S3Bucket,
		}); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}

	headersOk := handlers.AllowedHeaders([]string{"*"})
	originsOk := handlers.AllowedOrigins([]string{"*"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "OPTIONS"})
	s := http.Server{
		Addr:    ":" + config.AppPort,
		Handler: handlers.CombinedLoggingHandler(os.Stdout, handlers.CORS(originsOk, headersOk, methodsOk)(relay.NewRelay(store, config.TTL).NewHandler())),
	}

	log.Logger(ctx).Debug("relay starts: serving " + store.Bucket() + " on :" + config.AppPort)
	return s.ListenAndServe()
}
