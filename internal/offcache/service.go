package offcache

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
)

type Service struct {
	cfg    Config
	origin *url.URL

	reg       *tieredRegistry
	net       Fetcher
	lifecycle *Lifecycle
	router    *Router
	stats     *statsCollector
	redis     *redis.Client

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewService builds the registry, locker and fetcher described by cfg. The
// service does not serve cached responses until Start has installed and
// activated the configured version.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	var locker Locker
	var rc *redis.Client
	if cfg.Lock.Redis.Addr != "" {
		rc = NewRedisClient(cfg.Lock.Redis.Addr, cfg.Lock.Redis.Password, cfg.Lock.Redis.DB)
		locker = NewRedisLocker(rc)
	} else {
		locker = NewLocalLocker()
	}

	fetcher := NewHTTPFetcher(&http.Client{}, cfg.fetchTimeoutDur)
	s, err := newService(cfg, backend, fetcher, locker)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	s.redis = rc
	return s, nil
}

func openBackend(ctx context.Context, sc StorageConfig) (Registry, error) {
	switch sc.Backend {
	case BackendS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(sc.S3.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(sc.S3.AccessKey, sc.S3.SecretKey, "")),
		)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(sc.S3.Endpoint)
		})
		return NewS3Registry(sc.S3.Bucket, client, sc.storeMaxBytes), nil
	default:
		return OpenLevelRegistry(sc.LevelDB.Path, sc.storeMaxBytes)
	}
}

func newService(cfg Config, backend Registry, fetcher Fetcher, locker Locker) (*Service, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, configError("server.origin: %q is not an absolute URL", cfg.Server.Origin)
	}

	reg := newTieredRegistry(backend, cfg.Storage.ramMaxBytes, cfg.Storage.maxEntryBytes)
	lc := NewLifecycle(LifecycleOptions{
		Version:  cfg.Version,
		Origin:   origin,
		Shell:    cfg.Shell,
		Registry: reg,
		Fetcher:  fetcher,
		Locker:   locker,
		LockTTL:  cfg.lockTTLDur,
		MaxWait:  cfg.lockMaxWaitDur,
		MaxEntry: cfg.Storage.maxEntryBytes,
	})
	stats := newStatsCollector()

	s := &Service{
		cfg:       cfg,
		origin:    origin,
		reg:       reg,
		net:       fetcher,
		lifecycle: lc,
		stats:     stats,
		stopCh:    make(chan struct{}),
	}
	s.router = NewRouter(RouterOptions{
		Origin:     origin,
		Classifier: NewClassifier(cfg.Catalog.Prefixes, cfg.Catalog.Collections),
		Lifecycle:  lc,
		Registry:   reg,
		Fetcher:    fetcher,
		Freshness:  Freshness{MaxAge: cfg.freshnessDur},
		Log:        newRateLimitedLogger(time.Minute),
		Stats:      stats,
	})
	return s, nil
}

// Start installs and activates the configured version, then starts the
// background loops.
func (s *Service) Start(ctx context.Context) error {
	if err := s.lifecycle.Install(ctx); err != nil {
		return err
	}
	if _, err := s.lifecycle.Activate(ctx); err != nil {
		log.Printf("activate: %v", err)
	}
	if s.cfg.statsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.statsEveryDur)
		}()
	}
	s.startWarmup()
	return nil
}

// Close stops background loops and releases the registry. It is safe to call
// more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if err := s.reg.Close(); err != nil {
			log.Printf("close registry: %v", err)
		}
		if s.redis != nil {
			_ = s.redis.Close()
		}
	})
}

func (s *Service) Router() *Router       { return s.router }
func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.lifecycle.Active() {
			http.Error(w, s.lifecycle.State().String(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", s.router)
	return mux
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries := ""
	for _, logical := range logicalStores {
		name := s.lifecycle.StoreName(logical)
		st, err := s.reg.Open(ctx, name)
		if err != nil {
			continue
		}
		keys, err := st.Keys(ctx)
		if err != nil {
			continue
		}
		entries += fmt.Sprintf(" %s=%d", logical, len(keys))
	}

	var ramTotal uint64
	if s.reg.ram != nil {
		ramTotal = uint64(s.reg.ram.TotalSize())
	}
	rss := "n/a"
	if b, ok := processRSSBytes(); ok {
		rss = formatBytes(b)
	}
	log.Printf(
		"stats: responses=%d %s entries:%s ram=%s rss=%s resp min/avg/max=%s/%s/%s",
		ss.TotalResponses,
		ss.sourcesString(),
		entries,
		formatBytes(ramTotal),
		rss,
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
	)
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
