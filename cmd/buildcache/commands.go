package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/wolfeidau/buildcache"
	"github.com/wolfeidau/buildcache/store"
	"github.com/wolfeidau/buildcache/store/gc"
	"github.com/wolfeidau/buildcache/store/index"
	"github.com/wolfeidau/buildcache/telemetry"
	"go.opentelemetry.io/otel"
)

// Key is a cache key given as hex on the command line.
type Key []byte

func (k *Key) UnmarshalText(text []byte) error {
	b := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(b, text); err != nil {
		return fmt.Errorf("key must be hex encoded: %w", err)
	}
	*k = b
	return nil
}

func (k Key) String() string {
	return hex.EncodeToString(k)
}

type PutCmd struct {
	File string `arg:"" optional:"" help:"Payload file, stdin when omitted." type:"existingfile"`
	Key  Key    `short:"k" help:"Cache key (hex). Defaults to the BLAKE3 digest of the payload."`
}

func (c *PutCmd) Run(ctx context.Context, g *Globals) error {
	key, supplier, err := c.payload()
	if err != nil {
		return err
	}

	s, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.PutIfAbsent(ctx, key, supplier); err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(key))
	return nil
}

// payload resolves the key and supplier. Without a key, a file is hashed in a
// first pass and stdin is buffered so it can be hashed before storing.
func (c *PutCmd) payload() ([]byte, store.Supplier, error) {
	key := []byte(c.Key)

	if c.File != "" {
		if len(key) == 0 {
			h, err := hashFile(c.File)
			if err != nil {
				return nil, nil, err
			}
			key = h.Bytes()
		}
		return key, func() (io.ReadCloser, error) {
			return os.Open(c.File)
		}, nil
	}

	if len(key) > 0 {
		return key, func() (io.ReadCloser, error) {
			return io.NopCloser(os.Stdin), nil
		}, nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, nil, fmt.Errorf("reading stdin: %w", err)
	}
	return buildcache.HashBytes(data).Bytes(), store.BytesSupplier(data), nil
}

func hashFile(path string) (buildcache.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return buildcache.Hash{}, err
	}
	defer func() { _ = f.Close() }()

	h, _, err := buildcache.HashReader(f)
	return h, err
}

type GetCmd struct {
	Key    Key    `arg:"" help:"Cache key (hex)."`
	Output string `short:"o" help:"Write the payload to this file instead of stdout."`
}

func (c *GetCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	rc, ok, err := s.Get(ctx, c.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %s not found", c.Key)
	}
	defer func() { _ = rc.Close() }()

	var w io.Writer = os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	_, err = io.Copy(w, rc)
	return err
}

type HasCmd struct {
	Key Key `arg:"" help:"Cache key (hex)."`
}

var errAbsent = errors.New("absent")

func (c *HasCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ok, err := s.ContainsKey(ctx, c.Key)
	if err != nil {
		return err
	}
	if !ok {
		return errAbsent
	}
	fmt.Println("present")
	return nil
}

type RmCmd struct {
	Keys []Key `arg:"" help:"Cache keys (hex)."`
}

func (c *RmCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	for _, k := range c.Keys {
		if err := s.Delete(ctx, k); err != nil {
			return fmt.Errorf("deleting %s: %w", k, err)
		}
	}
	return nil
}

type LsCmd struct {
	Limit  int  `short:"n" help:"Maximum entries to list, 0 for all." default:"0"`
	ByKey  bool `help:"List in key order instead of recency order."`
	AsJSON bool `name:"json" help:"Print entries as JSON lines."`
}

type entryView struct {
	Key        string    `json:"key"`
	BlobID     string    `json:"blob_id"`
	LastAccess time.Time `json:"last_access"`
}

func (c *LsCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	var entries []index.Entry
	if c.ByKey {
		entries, err = s.Entries(ctx, nil, c.Limit)
	} else {
		entries, err = s.Oldest(ctx, nil, c.Limit)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		v := entryView{Key: hex.EncodeToString(e.Key), BlobID: e.BlobID.String(), LastAccess: e.Time()}
		if c.AsJSON {
			if err := enc.Encode(v); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("%s  %s  %s\n", v.LastAccess.Format(time.RFC3339), v.BlobID, v.Key)
	}
	return nil
}

type StatCmd struct {
	Key Key `arg:"" help:"Cache key (hex)."`
}

func (c *StatCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	info, ok, err := s.Stat(ctx, c.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %s not found", c.Key)
	}
	return printJSON(map[string]any{
		"key":         c.Key.String(),
		"blob_id":     info.Entry.BlobID.String(),
		"last_access": info.Entry.Time(),
		"size":        info.Manifest.Size,
		"stored_size": info.Manifest.StoredSize,
		"chunks":      info.Manifest.Chunks,
		"digest":      info.Manifest.Digest.String(),
		"created_at":  info.Manifest.CreatedAt,
	})
}

type StatsCmd struct{}

func (c *StatsCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

type SweepCmd struct {
	Grace time.Duration `help:"Minimum age of an unreferenced payload before it is removed." default:"1h"`
}

func (c *SweepCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	res, err := s.Sweep(ctx, c.Grace)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type VerifyCmd struct {
	Workers int `help:"Payloads read concurrently." default:"4"`
}

func (c *VerifyCmd) Run(ctx context.Context, g *Globals) error {
	s, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	res, err := s.Verify(ctx, c.Workers)
	if err != nil {
		return err
	}
	for _, f := range res.Failures {
		g.logger.Error("payload failed verification", "key", hex.EncodeToString(f.Key), "blob_id", f.BlobID, "error", f.Err)
	}
	fmt.Printf("checked %d entries, %d failed\n", res.Checked, len(res.Failures))
	if len(res.Failures) > 0 {
		return fmt.Errorf("%d payloads failed verification", len(res.Failures))
	}
	return nil
}

type GCCmd struct {
	MaxSize          int64         `help:"Target maximum payload bytes, 0 disables eviction." default:"0"`
	BatchSize        int           `help:"Maximum entries evicted per run." default:"1000"`
	SweepGrace       time.Duration `help:"Minimum age of an unreferenced payload before it is removed." default:"1h"`
	CompactThreshold float64       `help:"Compact when free pages exceed this fraction of the file." default:"0.3"`
	Watch            bool          `help:"Keep running maintenance on an interval."`
	Interval         time.Duration `help:"Interval between runs with --watch." default:"1h"`
	MetricsListen    string        `help:"Serve Prometheus metrics on this address with --watch."`
	OTLPEndpoint     string        `name:"otlp-endpoint" help:"Export metrics to this OTLP gRPC endpoint." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func (c *GCCmd) config() gc.Config {
	config := gc.DefaultConfig()
	config.MaxCacheBytes = c.MaxSize
	config.BatchSize = c.BatchSize
	config.SweepGrace = c.SweepGrace
	config.CompactThreshold = c.CompactThreshold
	config.Interval = c.Interval
	config.StartupDelay = 0
	return config
}

func (c *GCCmd) Run(ctx context.Context, g *Globals) error {
	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "buildcache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsListen != "",
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			g.logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	s, err := g.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	mgr := gc.New(s, c.config(),
		gc.WithLogger(g.logger),
		gc.WithMetrics(otel.GetMeterProvider().Meter("github.com/wolfeidau/buildcache/store/gc")),
	)

	if !c.Watch {
		res, err := mgr.RunNow(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("gc run finished with %d errors", len(res.Errors))
		}
		return nil
	}

	if c.MetricsListen != "" {
		srv := &http.Server{
			Addr:              c.MetricsListen,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		g.logger.Info("serving metrics", "address", c.MetricsListen)
	}

	mgr.Start(ctx)
	<-ctx.Done()

	g.logger.Info("received signal, shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return mgr.Stop(stopCtx)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	return mux
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
