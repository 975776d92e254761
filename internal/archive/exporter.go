package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"event-backbone/internal/config"
	"event-backbone/internal/models"
	"event-backbone/internal/registry"
	"event-backbone/internal/store"
)

// DirectiveName is the directive this executor is registered under.
const DirectiveName = "audit.export"

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter is the executor behind audit.export: it queries a signal range
// and writes it as a JSON object to S3 (or a local directory when no bucket
// is configured) for downstream audit tooling.
type Exporter struct {
	cfg   config.Config
	facts store.FactStore
	local uploader
	s3    uploader
}

// Export directive payload accepted from the queue.
type exportPayload struct {
	Name        string     `json:"name"`
	From        *time.Time `json:"from"`
	To          *time.Time `json:"to"`
	OutputKey   string     `json:"output_key"`
	Destination string     `json:"destination"`
	Limit       int        `json:"limit"`
}

type exportDocument struct {
	Tenant     string          `json:"tenant"`
	ExportedAt time.Time       `json:"exported_at"`
	Count      int             `json:"count"`
	Signals    []models.Signal `json:"signals"`
}

// NewExporter constructs the exporter and chooses an uploader (local or S3).
func NewExporter(ctx context.Context, cfg config.Config, facts store.FactStore) (*Exporter, error) {
	baseDir := cfg.ArchiveLocalDir
	if baseDir == "" {
		baseDir = "./archive"
	}

	var s3Upload uploader
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}
	}

	return &Exporter{
		cfg:   cfg,
		facts: facts,
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Execute queries the requested signal range and uploads it as one JSON
// document. Re-running the same directive overwrites the same key, so the
// export is idempotent per directive.
func (e *Exporter) Execute(ctx context.Context, d models.Directive, _ registry.Delivery) (map[string]any, error) {
	payload, err := decodePayload(d)
	if err != nil {
		return nil, err
	}

	filter := store.SignalFilter{Tenant: d.Tenant, Name: payload.Name, Limit: payload.Limit}
	if payload.From != nil {
		filter.From = *payload.From
	}
	if payload.To != nil {
		filter.To = *payload.To
	}
	signals, err := e.facts.ListSignals(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load signals: %w", err)
	}

	doc, err := json.Marshal(exportDocument{
		Tenant:     d.Tenant,
		ExportedAt: time.Now().UTC(),
		Count:      len(signals),
		Signals:    signals,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("exports/%s/%s.json", d.Tenant, d.ID)
	}
	outputKey = sanitizeKey(outputKey)

	up, err := e.pickUploader(payload.Destination)
	if err != nil {
		return nil, err
	}
	location, err := up.Upload(ctx, outputKey, doc, "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload export: %w", err)
	}

	return map[string]any{"location": location, "count": len(signals)}, nil
}

func decodePayload(d models.Directive) (exportPayload, error) {
	var payload exportPayload
	raw, err := json.Marshal(d.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Limit <= 0 {
		payload.Limit = 1000
	}
	return payload, nil
}

func (e *Exporter) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if e.s3 != nil {
			return e.s3, nil
		}
		return nil, errors.New("destination s3 requested but ARCHIVE_S3_BUCKET is not configured")
	case "local", "":
		if e.s3 != nil && destination == "" {
			return e.s3, nil
		}
		if e.local != nil {
			return e.local, nil
		}
	}
	return nil, errors.New("no uploader configured")
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
