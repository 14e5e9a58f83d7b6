package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/satsync/stac-ingester/ingestion"
	"github.com/satsync/stac-ingester/interface/catalog/usgs"
	db "github.com/satsync/stac-ingester/interface/database"
	"github.com/satsync/stac-ingester/interface/database/inmemory"
	"github.com/satsync/stac-ingester/interface/database/pg"
	"github.com/satsync/stac-ingester/interface/provider"
	"github.com/satsync/stac-ingester/interface/stac"
	"github.com/satsync/stac-ingester/interface/storage"
	"github.com/satsync/stac-ingester/interface/storage/gcs"
	"github.com/satsync/stac-ingester/interface/storage/s3"
	"github.com/satsync/stac-ingester/registrar"
	"github.com/satsync/stac-ingester/service/log"
	"go.uber.org/zap"
)

type config struct {
	Datasets   []string
	AOIFile    string
	WindowDays int
	Workers    int
	MaxRetries int
	WorkingDir string

	USGSAPIURL   string
	USGSUsername string
	USGSToken    string

	DbConnection string

	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	GSBucket    string

	StacURL      string
	StacUsername string
	StacPassword string
	DownloadHost string

	At      string
	Once    bool
	AppPort string
}

func newAppConfig() (*config, error) {
	config := config{}
	// Global config
	datasets := flag.String("datasets", "", "datasets to synchronize, comma-separated (eg. landsat_ot_c2_l2)")
	flag.StringVar(&config.AOIFile, "aoi-file", "", "path of the geojson geometry of the area of interest")
	flag.IntVar(&config.WindowDays, "window-days", ingestion.DefaultWindowDays, "number of days of the rolling discovery window")
	flag.IntVar(&config.Workers, "workers", ingestion.DefaultWorkers, "number of concurrent scene transfers")
	flag.IntVar(&config.MaxRetries, "max-retries", ingestion.DefaultMaxRetries, "consecutive failures before a scene is marked FAILED")
	flag.StringVar(&config.WorkingDir, "workdir", "", "working directory to store scene assets during the transfer (default: system temp)")

	// Remote catalog
	flag.StringVar(&config.USGSAPIURL, "usgs-api-url", usgs.DefaultAPIURL, "m2m api url")
	flag.StringVar(&config.USGSUsername, "usgs-username", "", "m2m account username")
	flag.StringVar(&config.USGSToken, "usgs-token", "", "m2m application token")

	// Ledger
	flag.StringVar(&config.DbConnection, "db-connection", "", "postgres connection string of the scene ledger (empty: volatile in-memory ledger, for testing only)")

	// Object storage
	flag.StringVar(&config.S3Endpoint, "s3-endpoint", "", "s3 endpoint url (optional, for s3-compatible services)")
	flag.StringVar(&config.S3Region, "s3-region", "us-east-1", "s3 region")
	flag.StringVar(&config.S3AccessKey, "s3-access-key", "", "s3 access key id")
	flag.StringVar(&config.S3SecretKey, "s3-secret-key", "", "s3 secret access key")
	flag.StringVar(&config.S3Bucket, "s3-bucket", "", "s3 bucket storing the scene assets")
	flag.StringVar(&config.GSBucket, "gs-bucket", "", "google storage bucket storing the scene assets (instead of s3)")

	// Catalog registration
	flag.StringVar(&config.StacURL, "stac-url", "", "base url of the stac catalog api")
	flag.StringVar(&config.StacUsername, "stac-username", "", "stac catalog username")
	flag.StringVar(&config.StacPassword, "stac-password", "", "stac catalog password")
	flag.StringVar(&config.DownloadHost, "download-host", "", "public base url of the signed-reference relay, used in the asset hrefs")

	flag.StringVar(&config.At, "at", "01:00", "daily wake-up time of the synchronization cycle, HH:MM (UTC)")
	flag.BoolVar(&config.Once, "once", false, "run a single cycle and exit")
	flag.StringVar(&config.AppPort, "port", "8081", "admin api port")

	flag.Parse()

	if *datasets == "" {
		return nil, fmt.Errorf("missing datasets config flag")
	}
	config.Datasets = strings.Split(*datasets, ",")
	if config.AOIFile == "" {
		return nil, fmt.Errorf("missing aoi-file config flag")
	}
	if config.USGSUsername == "" || config.USGSToken == "" {
		return nil, fmt.Errorf("missing usgs credentials config flags")
	}
	if config.S3Bucket == "" && config.GSBucket == "" {
		return nil, fmt.Errorf("missing s3-bucket or gs-bucket config flag")
	}
	if config.StacURL == "" {
		return nil, fmt.Errorf("missing stac-url config flag")
	}
	if config.DownloadHost == "" {
		return nil, fmt.Errorf("missing download-host config flag")
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

	aoi, err := os.ReadFile(config.AOIFile)
	if err != nil {
		return fmt.Errorf("aoi %s: %w", config.AOIFile, err)
	}
	if !json.Valid(aoi) {
		return fmt.Errorf("aoi %s: not a valid json geometry", config.AOIFile)
	}

	// Scene ledger
	var ledger db.LedgerBackend
	var logLedger string
	if config.DbConnection != "" {
		if ledger, err = pg.New(ctx, config.DbConnection); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		logLedger = "postgres ledger"
	} else {
		ledger = inmemory.New()
		logLedger = "in-memory ledger (volatile!)"
	}

	// Object storage
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

	catalogProvider := usgs.NewProvider(config.USGSAPIURL, config.USGSUsername, config.USGSToken, aoi)
	stacClient := stac.NewClient(config.StacURL, config.StacUsername, config.StacPassword)

	engine := ingestion.NewEngine(
		catalogProvider,
		provider.NewHTTPAssetProvider(),
		store,
		ledger,
		registrar.NewRegistrar(stacClient, config.DownloadHost),
		ingestion.Config{
			Datasets:   config.Datasets,
			WindowDays: config.WindowDays,
			Workers:    config.Workers,
			MaxRetries: config.MaxRetries,
			WorkDir:    config.WorkingDir,
		})

	// Admin api
	headersOk := handlers.AllowedHeaders([]string{"*"})
	originsOk := handlers.AllowedOrigins([]string{"*"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "PUT", "OPTIONS"})
	s := http.Server{
		Addr:    ":" + config.AppPort,
		Handler: handlers.CORS(originsOk, headersOk, methodsOk)(engine.NewHandler()),
	}
	go func() {
		if err := s.ListenAndServe(); err != nil {
			log.Logger(ctx).Error(err.Error())
		}
	}()

	log.Logger(ctx).Debug("sync starts: " + strings.Join(config.Datasets, ", ") + " to " + store.Bucket() + " using " + logLedger)
	if config.Once {
		report, err := engine.RunCycle(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(report)
	}
	return (&ingestion.Scheduler{Engine: engine, At: config.At}).Run(ctx)
}
