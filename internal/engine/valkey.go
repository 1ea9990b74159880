package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig mirrors the config-layer TLS knobs for the valkey backend.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig connects the valkey reference backend.
type ValkeyConfig struct {
	Address    string
	Username   string
	Password   string
	DB         int
	TLS        ValkeyTLSConfig
	DefaultTTL time.Duration
}

type valkeyEngine struct {
	opts   Options
	cfg    ValkeyConfig
	client valkey.Client
}

// NewValkey builds the valkey-backed engine. Entries are stored as JSON with
// PX expiry covering freshness plus the widest grace window; bodies are
// gzip-compressed at rest when auto_compress is enabled.
func NewValkey(opts Options, cfg ValkeyConfig) (Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		return nil, errors.New("engine: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("engine: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("engine: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("engine: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("engine: valkey ping: %w", err)
	}

	return &valkeyEngine{opts: opts, cfg: cfg, client: client}, nil
}

func (v *valkeyEngine) Lookup(ctx context.Context, req *CacheRequest, policy LookupPolicy) (LookupResult, error) {
	key := cacheKey(req, v.opts)
	resp := v.client.Do(ctx, v.client.B().Get().Key(entryKey(key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return LookupResult{Outcome: Miss}, nil
		}
		return LookupResult{}, fmt.Errorf("engine: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return LookupResult{}, fmt.Errorf("engine: valkey get bytes: %w", err)
	}
	var entry storedEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return LookupResult{}, fmt.Errorf("engine: valkey unmarshal: %w", err)
	}

	reqd := ParseRequestDirectives(req.Header.Get("Cache-Control"))
	outcome := entry.classify(reqd, policy, time.Now())
	if outcome == Miss {
		return LookupResult{Outcome: Miss}, nil
	}

	body := entry.Body
	if entry.Compressed {
		body, err = gunzip(body)
		if err != nil {
			return LookupResult{}, fmt.Errorf("engine: valkey body: %w", err)
		}
	}
	return LookupResult{Outcome: outcome, Ref: EntryRef(key), Response: entry.response(BytesPayload(body))}, nil
}

func (v *valkeyEngine) Write(ctx context.Context, req *CacheRequest, resp *CacheResponse, tags []string) (WriteOutcome, error) {
	entry, ok := buildEntry(resp, v.opts, v.cfg.DefaultTTL, time.Now())
	if !ok {
		return NotCacheable, nil
	}
	if v.opts.AutoCompress && len(entry.Body) > 0 {
		compressed, err := gzipBytes(entry.Body)
		if err != nil {
			return NotCacheable, fmt.Errorf("engine: compress body: %w", err)
		}
		entry.Body = compressed
		entry.Compressed = true
	}

	key := cacheKey(req, v.opts)
	payload, err := json.Marshal(entry)
	if err != nil {
		return NotCacheable, fmt.Errorf("engine: valkey marshal: %w", err)
	}
	px := entry.retention()
	cmd := v.client.B().Set().Key(entryKey(key)).Value(valkey.BinaryString(payload)).Px(px).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return NotCacheable, fmt.Errorf("engine: valkey set: %w", err)
	}
	for _, tag := range tags {
		cmd := v.client.B().Sadd().Key(tagKey(v.opts.Store, tag)).Member(key).Build()
		if err := v.client.Do(ctx, cmd).Error(); err != nil {
			return Written, fmt.Errorf("engine: valkey tag index: %w", err)
		}
	}
	return Written, nil
}

func (v *valkeyEngine) MarkUsed(ctx context.Context, ref EntryRef) error {
	cmd := v.client.B().Incr().Key(usedKey(string(ref))).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("engine: valkey mark used: %w", err)
	}
	return nil
}

func (v *valkeyEngine) MarkDownloading(ctx context.Context, req *CacheRequest, handlerID string) error {
	key := cacheKey(req, v.opts)
	cmd := v.client.B().Set().Key(downloadingKey(key)).Value(handlerID).Px(30 * time.Second).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("engine: valkey mark downloading: %w", err)
	}
	return nil
}

func (v *valkeyEngine) InvalidateByTag(ctx context.Context, tag string) error {
	setKey := tagKey(v.opts.Store, tag)
	resp := v.client.Do(ctx, v.client.B().Smembers().Key(setKey).Build())
	members, err := resp.AsStrSlice()
	if err != nil {
		if errors.Is(resp.Error(), valkey.Nil) {
			return nil
		}
		return fmt.Errorf("engine: valkey tag members: %w", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, member := range members {
		keys = append(keys, entryKey(member))
	}
	keys = append(keys, setKey)
	if err := v.client.Do(ctx, v.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("engine: valkey invalidate: %w", err)
	}
	return nil
}

func entryKey(key string) string       { return "cachegate:entry:" + key }
func usedKey(key string) string        { return "cachegate:used:" + key }
func downloadingKey(key string) string { return "cachegate:dl:" + key }
func tagKey(store, tag string) string  { return "cachegate:tag:" + store + ":" + tag }

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
