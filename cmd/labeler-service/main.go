package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	mode := flag.String("mode", "all", "run mode: all|api|worker")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to load .env", "error", err)
	}
	// .env may set LOG_LEVEL.
	logger = initLogger(os.Stdout)
	cfg := loadConfig()
	st, err := newAppState(cfg)
	if err != nil {
		logger.Error("failed to initialize app state", "error", err)
		os.Exit(1)
	}
	defer st.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "api":
		go st.runMaintenance(ctx)
		err = runAPI(ctx, st)
	case "worker":
		err = runWorker(ctx, st)
	case "all":
		go st.runMaintenance(ctx)
		if st.redis != nil {
			go func() {
				if err := runWorker(ctx, st); err != nil {
					logger.Error("worker stopped", "error", err)
					stop()
				}
			}()
		}
		err = runAPI(ctx, st)
	default:
		err = fmt.Errorf("unknown run mode %q", *mode)
	}
	if err != nil {
		logger.Error("labeler stopped", "mode", *mode, "error", err)
		st.close()
		os.Exit(1)
	}
}

func loadConfig() config {
	supabaseURL := os.Getenv("SUPABASE_URL")
	defaultBackend := "sqlite"
	if supabaseURL != "" {
		defaultBackend = "supabase"
	}
	return config{
		appPassword:        os.Getenv("APP_PASSWORD"),
		appPasswordHash:    strings.TrimSpace(os.Getenv("APP_PASSWORD_HASH")),
		supabaseURL:        supabaseURL,
		supabaseKey:        os.Getenv("SUPABASE_KEY"),
		labelBackend:       strings.ToLower(envOrDefault("LABEL_STORE", defaultBackend)),
		labelsDBPath:       envOrDefault("LABELS_DB_PATH", "labels.db"),
		badgerDir:          envOrDefault("LABELS_BADGER_DIR", "labels.badger"),
		dataPath:           envOrDefault("DATA_PATH", "image_data"),
		imageSubdir:        envOrDefault("IMAGE_SUBDIR", "Filtered"),
		archiveSource:      os.Getenv("FILE_ID"),
		s3Endpoint:         os.Getenv("S3_ENDPOINT"),
		s3AccessKey:        os.Getenv("S3_ACCESS_KEY"),
		s3SecretKey:        os.Getenv("S3_SECRET_KEY"),
		s3UseSSL:           envBool("S3_USE_SSL", true),
		redisAddr:          os.Getenv("REDIS_ADDR"),
		redisPassword:      os.Getenv("REDIS_PASSWORD"),
		redisDB:            envInt("REDIS_DB", 0),
		queueName:          envOrDefault("ASYNQ_QUEUE", "default"),
		concurrency:        envInt("ASYNQ_CONCURRENCY", 2),
		sessionTTL:         envDuration("SESSION_TTL", 12*time.Hour),
		catalogTTL:         envDuration("CATALOG_TTL", 0),
		downloadTimeout:    envDuration("DOWNLOAD_TIMEOUT", 30*time.Minute),
		loginRatePerMinute: envInt("LOGIN_RATE_PER_MINUTE", 10),
		loginBurst:         envInt("LOGIN_BURST", 5),
		trustProxyHeaders:  envBool("TRUST_PROXY_HEADERS", false),
		apiAddr:            envOrDefault("LABELER_API_ADDR", ":8501"),
	}
}

func openLabelStore(cfg config) (LabelStore, error) {
	switch cfg.labelBackend {
	case "supabase":
		s, err := newPostgrestLabelStore(cfg.supabaseURL, cfg.supabaseKey)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		return openStore(cfg.labelsDBPath)
	case "badger":
		return openBadgerStore(cfg.badgerDir)
	default:
		return nil, fmt.Errorf("unknown LABEL_STORE %q (want supabase, sqlite or badger)", cfg.labelBackend)
	}
}

func newAppState(cfg config) (*appState, error) {
	labels, err := openLabelStore(cfg)
	if err != nil {
		return nil, err
	}
	st := &appState{cfg: cfg, labels: labels}

	var generations generationSource
	if cfg.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			_ = labels.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.redisAddr, err)
		}
		st.redis = rdb
		st.asynqCli = asynq.NewClient(redisClientOpt(cfg))
		st.sessions = newRedisSessionStore(rdb, cfg.sessionTTL)
		generations = redisGeneration{rdb: rdb}
	} else {
		st.sessions = newMemorySessionStore(cfg.sessionTTL)
	}

	source, err := parseArchiveSource(cfg, &http.Client{Timeout: cfg.downloadTimeout})
	if err != nil {
		st.close()
		return nil, err
	}
	var fetcher archiveFetcher
	if source != nil {
		fetcher = newArchiveDownloader(source)
	} else {
		logger.Warn("FILE_ID is not set; serving the local image directory only", "dir", cfg.imageDir())
	}

	st.catalog = newImageCatalog(fetcher, cfg.dataPath, cfg.catalogTTL, generations)
	st.controller = newController(st.catalog, labels, st.sessions, newCredentialChecker(cfg), cfg.imageDir())
	st.limiter = newLoginLimiter(cfg.loginRatePerMinute, cfg.loginBurst)

	logger.Info("labeler configured",
		"label_store", cfg.labelBackend,
		"image_dir", cfg.imageDir(),
		"redis", cfg.redisAddr != "",
		"archive", source != nil,
	)
	return st, nil
}

func redisClientOpt(cfg config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.redisAddr, Password: cfg.redisPassword, DB: cfg.redisDB}
}

func (st *appState) close() {
	if st.asynqCli != nil {
		_ = st.asynqCli.Close()
		st.asynqCli = nil
	}
	if st.redis != nil {
		_ = st.redis.Close()
		st.redis = nil
	}
	if st.labels != nil {
		_ = st.labels.Close()
		st.labels = nil
	}
}

func (st *appState) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/", st.handleIndex)
	mux.HandleFunc("/login", loginRateLimit(st.limiter, st.cfg.trustProxyHeaders, st.handleLoginForm))
	mux.HandleFunc("/logout", st.handleLogoutForm)
	mux.HandleFunc("/review", st.handleReviewForm)
	mux.HandleFunc("/images/", st.handleImageFile)

	mux.HandleFunc("/api/session", st.handleSessionGet)
	mux.HandleFunc("/api/session/login", loginRateLimit(st.limiter, st.cfg.trustProxyHeaders, st.handleSessionLogin))
	mux.HandleFunc("/api/session/previous", st.handleSessionPrevious)
	mux.HandleFunc("/api/session/next", st.handleSessionNext)
	mux.HandleFunc("/api/session/save", st.handleSessionSave)
	mux.HandleFunc("/api/session/logout", st.handleSessionLogout)
	mux.HandleFunc("/api/tags", st.handleTags)
	mux.HandleFunc("/api/labels", st.handleLabelsGet)
	mux.HandleFunc("/api/catalog/refresh", st.handleCatalogRefresh)
	mux.HandleFunc("/api/tasks/status", st.handleTaskStatus)
	return loggingMiddleware(mux)
}

func runAPI(ctx context.Context, st *appState) error {
	srv := &http.Server{
		Addr:              st.cfg.apiAddr,
		Handler:           st.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("labeler api listening", "addr", st.cfg.apiAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("labeler api shutting down")
	return srv.Shutdown(shutdownCtx)
}

func runWorker(ctx context.Context, st *appState) error {
	if st.redis == nil {
		return errors.New("worker mode requires REDIS_ADDR")
	}
	srv := asynq.NewServer(redisClientOpt(st.cfg), asynq.Config{
		Concurrency: st.cfg.concurrency,
		Queues:      map[string]int{st.cfg.queueName: 1},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypeRefreshCatalog, st.processRefreshCatalogTask)

	logger.Info("labeler worker started", "queue", st.cfg.queueName, "concurrency", st.cfg.concurrency)
	if err := srv.Start(mux); err != nil {
		return err
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// runMaintenance drops expired in-memory sessions and idle login limiters.
func (st *appState) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ms, ok := st.sessions.(*memorySessionStore); ok {
				if n := ms.Sweep(); n > 0 {
					logger.Debug("expired sessions removed", "count", n)
				}
			}
			st.limiter.prune(30 * time.Minute)
		}
	}
}
