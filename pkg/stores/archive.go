package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// ArchiveConfig configures the S3-compatible run archive.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Validate checks the archive settings.
func (c ArchiveConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// objectStore is the subset of *minio.Client the archive uses.
type objectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// RunLoader loads a run with its outcome log.
type RunLoader interface {
	GetRun(ctx context.Context, id pipeline.RunID) (*engine.RunSnapshot, error)
}

// RunArchive writes terminal run snapshots to object storage.
type RunArchive struct {
	cfg     ArchiveConfig
	objects objectStore
	logger  *telemetry.Logger
}

// NewRunArchive connects to the configured endpoint.
func NewRunArchive(cfg ArchiveConfig, t *telemetry.Telemetry) (*RunArchive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid archive config: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return newRunArchive(cfg, client, t), nil
}

func newRunArchive(cfg ArchiveConfig, objects objectStore, t *telemetry.Telemetry) *RunArchive {
	a := &RunArchive{cfg: cfg, objects: objects, logger: telemetry.Nop()}
	if t != nil && t.Logger != nil {
		a.logger = t.Logger.NewComponentLogger("archive")
	}
	return a
}

// Key returns the object key of a run.
func (a *RunArchive) Key(wi pipeline.WorkItemID, id pipeline.RunID) string {
	key := fmt.Sprintf("runs/%s/%s.json", wi, id)
	if p := strings.Trim(a.cfg.Prefix, "/"); p != "" {
		key = p + "/" + key
	}
	return key
}

// Archive uploads run as JSON.
func (a *RunArchive) Archive(ctx context.Context, run *engine.RunSnapshot) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
	}

	key := a.Key(run.WorkItem, run.ID)
	_, err = a.objects.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return pipeline.NewTransientError(fmt.Sprintf("archive run %s", run.ID), err)
	}
	return nil
}

// Get downloads an archived run.
func (a *RunArchive) Get(ctx context.Context, wi pipeline.WorkItemID, id pipeline.RunID) (*engine.RunSnapshot, error) {
	obj, err := a.objects.GetObject(ctx, a.cfg.Bucket, a.Key(wi, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get archived run %s: %w", id, err)
	}
	defer obj.Close()

	run := &engine.RunSnapshot{}
	if err := json.NewDecoder(obj).Decode(run); err != nil {
		return nil, fmt.Errorf("failed to decode archived run %s: %w", id, err)
	}
	return run, nil
}

// Subscribe archives every run that reaches a terminal state. Uploads run
// off the event loop.
func (a *RunArchive) Subscribe(events *telemetry.EventPublisher, runs RunLoader) {
	events.Subscribe(func(ev telemetry.Event) {
		go a.archiveEvent(ev, runs)
	}, telemetry.FilterByType(
		telemetry.EventTypeRunCompleted,
		telemetry.EventTypeRunHalted,
		telemetry.EventTypeRunFailed,
	))
}

func (a *RunArchive) archiveEvent(ev telemetry.Event, runs RunLoader) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log := a.logger.WithRunID(ev.RunID)

	id, err := pipeline.ParseRunID(ev.RunID)
	if err != nil {
		log.WithError(err).Warn("Skipping archive for event without run id")
		return
	}
	run, err := runs.GetRun(ctx, id)
	if err != nil {
		log.WithError(err).Warn("Failed to load run for archive")
		return
	}
	if err := a.Archive(ctx, run); err != nil {
		log.WithError(err).Warn("Failed to archive run")
		return
	}
	log.Debugf("Archived run to %s", a.Key(run.WorkItem, run.ID))
}
