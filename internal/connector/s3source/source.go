// Package s3source pulls NDJSON documents from an S3 prefix, one batch per object.
package s3source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"docsync/internal/awsclient"
	"docsync/internal/connector"
	"docsync/internal/syncerr"
)

// Name is the registry key of this connector.
const Name = "s3"

const maxLineBytes = 4 << 20

// API is the subset of the S3 client the connector uses.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config is the pairing's source configuration.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
	// IDField names the JSON field holding the document id. Defaults to "id".
	IDField string
	// DeletedField names a boolean JSON field marking tombstones. Defaults to "_deleted".
	DeletedField string
}

// ParseConfig reads a Config from a pairing's source configuration map.
func ParseConfig(raw map[string]any) (Config, error) {
	cfg := Config{
		Bucket:       str(raw, "bucket"),
		Prefix:       str(raw, "prefix"),
		Region:       str(raw, "region"),
		Endpoint:     str(raw, "endpoint"),
		IDField:      str(raw, "id_field"),
		DeletedField: str(raw, "deleted_field"),
	}
	if v, ok := raw["path_style"].(bool); ok {
		cfg.PathStyle = v
	}
	if cfg.Bucket == "" {
		return cfg, syncerr.New(syncerr.KindConfig, "s3 source requires bucket")
	}
	if cfg.IDField == "" {
		cfg.IDField = "id"
	}
	if cfg.DeletedField == "" {
		cfg.DeletedField = "_deleted"
	}
	return cfg, nil
}

// Source implements connector.Connector.
type Source struct {
	cfg      Config
	defaults awsclient.S3Options
	api      API
}

// Option customizes a Source.
type Option func(*Source)

// WithAPI injects an S3 client, bypassing credential-based construction.
func WithAPI(api API) Option {
	return func(s *Source) { s.api = api }
}

// WithDefaults sets region and endpoint used when the source config leaves them empty.
func WithDefaults(o awsclient.S3Options) Option {
	return func(s *Source) { s.defaults = o }
}

// New builds a Source.
func New(cfg Config, opts ...Option) *Source {
	s := &Source{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Factory adapts New to connector.Factory.
func Factory(opts ...Option) connector.Factory {
	return func(raw map[string]any) (connector.Connector, error) {
		cfg, err := ParseConfig(raw)
		if err != nil {
			return nil, err
		}
		return New(cfg, opts...), nil
	}
}

// LoadCredentials builds the S3 client from access keys in payload, falling back to the default chain.
func (s *Source) LoadCredentials(ctx context.Context, payload map[string]any) error {
	if s.api != nil {
		return nil
	}
	o := s.defaults
	if s.cfg.Region != "" {
		o.Region = s.cfg.Region
	}
	if s.cfg.Endpoint != "" {
		o.Endpoint = s.cfg.Endpoint
		o.PathStyle = s.cfg.PathStyle
	}
	o.AccessKeyID = str(payload, "access_key_id")
	o.SecretAccessKey = str(payload, "secret_access_key")
	o.SessionToken = str(payload, "session_token")
	client, err := awsclient.NewS3(ctx, o)
	if err != nil {
		return syncerr.Wrap(err, syncerr.KindConnector, "build s3 client")
	}
	s.api = client
	return nil
}

// Run lists objects in key order, starting after checkpoint.
func (s *Source) Run(_ context.Context, window connector.Window, checkpoint *string) (connector.BatchIterator, error) {
	if s.api == nil {
		return nil, syncerr.New(syncerr.KindConnector, "s3 source used before LoadCredentials")
	}
	in := &s3.ListObjectsV2Input{Bucket: aws.String(s.cfg.Bucket)}
	if s.cfg.Prefix != "" {
		in.Prefix = aws.String(s.cfg.Prefix)
	}
	if checkpoint != nil && *checkpoint != "" {
		in.StartAfter = aws.String(*checkpoint)
	}
	return &iterator{
		src:       s,
		window:    window,
		paginator: s3.NewListObjectsV2Paginator(s.api, in),
	}, nil
}

type iterator struct {
	src       *Source
	window    connector.Window
	paginator *s3.ListObjectsV2Paginator
	pending   []string
}

func (it *iterator) Next(ctx context.Context) (connector.Batch, error) {
	for len(it.pending) == 0 {
		if !it.paginator.HasMorePages() {
			return connector.Batch{}, io.EOF
		}
		page, err := it.paginator.NextPage(ctx)
		if err != nil {
			return connector.Batch{}, syncerr.Wrap(err, syncerr.KindConnector, "list s3 objects")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			if obj.LastModified != nil && !it.window.Contains(*obj.LastModified) {
				continue
			}
			it.pending = append(it.pending, key)
		}
	}
	key := it.pending[0]
	it.pending = it.pending[1:]
	return it.src.readObject(ctx, key)
}

func (it *iterator) Close() error { return nil }

func (s *Source) readObject(ctx context.Context, key string) (connector.Batch, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)})
	if err != nil {
		return connector.Batch{}, syncerr.Wrap(err, syncerr.KindConnector, fmt.Sprintf("get s3 object %s", key))
	}
	defer out.Body.Close()

	batch := connector.Batch{Checkpoint: key}
	scanner := bufio.NewScanner(out.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		fallbackID := fmt.Sprintf("%s#%d", key, line)
		var content map[string]any
		if err := json.Unmarshal([]byte(raw), &content); err != nil {
			batch.Failures = append(batch.Failures, connector.Failure{DocumentID: fallbackID, Reason: err.Error()})
			continue
		}
		doc := connector.Document{ID: fallbackID, Content: content}
		if id := fmt.Sprint(content[s.cfg.IDField]); content[s.cfg.IDField] != nil && id != "" {
			doc.ID = id
		}
		if deleted, ok := content[s.cfg.DeletedField].(bool); ok && deleted {
			doc.Deleted = true
		}
		batch.Documents = append(batch.Documents, doc)
	}
	if err := scanner.Err(); err != nil {
		return connector.Batch{}, syncerr.Wrap(err, syncerr.KindConnector, fmt.Sprintf("read s3 object %s", key))
	}
	return batch, nil
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
