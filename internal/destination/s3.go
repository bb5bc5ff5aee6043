package destination

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"docsync/internal/awsclient"
	"docsync/internal/connector"
	"docsync/internal/syncerr"
)

// S3API is the subset of the S3 client used by the S3 destination.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3 writes each chunk as one zstd-compressed NDJSON object.
type S3 struct {
	api      S3API
	bucket   string
	prefix   string
	compress bool
	encoder  *zstd.Encoder
	now      func() time.Time
}

// NewS3 builds an S3 destination over api.
func NewS3(api S3API, bucket, prefix string, compress bool) (*S3, error) {
	if bucket == "" {
		return nil, syncerr.New(syncerr.KindConfig, "s3 destination requires bucket")
	}
	d := &S3{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/"), compress: compress, now: time.Now}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		d.encoder = enc
	}
	return d, nil
}

// S3Factory builds S3 destinations from stored config, defaulting region and endpoint to defaults.
func S3Factory(defaults awsclient.S3Options) Factory {
	return func(ctx context.Context, cfg map[string]any) (Destination, error) {
		o := defaults
		if r := str(cfg, "region"); r != "" {
			o.Region = r
		}
		if e := str(cfg, "endpoint"); e != "" {
			o.Endpoint = e
		}
		client, err := awsclient.NewS3(ctx, o)
		if err != nil {
			return nil, err
		}
		compress := true
		if v, ok := cfg["compression"].(string); ok && v == "none" {
			compress = false
		}
		return NewS3(client, str(cfg, "bucket"), str(cfg, "prefix"), compress)
	}
}

func (d *S3) Send(ctx context.Context, doc connector.Document) error {
	return d.SendBatch(ctx, []connector.Document{doc})
}

func (d *S3) SendBatch(ctx context.Context, docs []connector.Document) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return syncerr.Wrap(err, syncerr.KindConfig, fmt.Sprintf("encode document %s", doc.ID))
		}
	}
	body := buf.Bytes()
	contentType := "application/x-ndjson"
	var contentEncoding *string
	if d.compress {
		body = d.encoder.EncodeAll(body, nil)
		contentEncoding = aws.String("zstd")
	}

	_, err := d.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(d.objectKey()),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String(contentType),
		ContentEncoding: contentEncoding,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (d *S3) HealthCheck(ctx context.Context) error {
	if _, err := d.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", d.bucket, err)
	}
	return nil
}

func (d *S3) Close() error {
	if d.encoder != nil {
		return d.encoder.Close()
	}
	return nil
}

func (d *S3) objectKey() string {
	name := uuid.New().String() + ".ndjson"
	if d.compress {
		name += ".zst"
	}
	return path.Join(d.prefix, d.now().UTC().Format("2006/01/02"), name)
}
