// Package archive stores final session snapshots in S3-compatible object
// storage so runs stay inspectable after the in-memory registry purges them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gujaehyung/s2b-extend/internal/config"
	"github.com/gujaehyung/s2b-extend/internal/models"
)

var (
	// ErrDisabled is returned by reads when no bucket is configured.
	ErrDisabled = errors.New("session archive is not enabled")
	// ErrNotFound is returned when no archived snapshot exists.
	ErrNotFound = errors.New("archived session not found")
)

// Record is the stored form of a finished session.
type Record struct {
	UserID     string              `json:"user_id"`
	Session    models.Snapshot     `json:"session"`
	Stats      models.SessionStats `json:"stats"`
	ArchivedAt time.Time           `json:"archived_at"`
}

// Archive writes and reads session records. A disabled Archive accepts
// writes and drops them.
type Archive struct {
	client  *s3.Client
	bucket  string
	enabled bool
	logger  *slog.Logger
}

// New creates an archive from the storage settings in cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Archive, error) {
	logger = logger.With("component", "archive")
	if !cfg.StorageEnabled {
		logger.Info("session archive disabled - no bucket configured")
		return &Archive{logger: logger}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.StorageRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.StorageAccessKey,
			cfg.StorageSecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.StorageEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		}
		o.UsePathStyle = true
	})

	logger.Info("session archive initialized",
		"bucket", cfg.StorageBucket,
		"endpoint", cfg.StorageEndpoint,
	)

	return &Archive{
		client:  client,
		bucket:  cfg.StorageBucket,
		enabled: true,
		logger:  logger,
	}, nil
}

// Enabled reports whether a bucket is configured.
func (a *Archive) Enabled() bool {
	return a != nil && a.enabled
}

func key(userID, sessionID string) string {
	return fmt.Sprintf("sessions/%s/%s.json", userID, sessionID)
}

// Store uploads the snapshot of a finished session.
func (a *Archive) Store(ctx context.Context, snap models.Snapshot) error {
	if !a.Enabled() {
		return nil
	}

	now := time.Now().UTC()
	rec := Record{
		UserID:     snap.UserID,
		Session:    snap,
		Stats:      snap.Stats(now),
		ArchivedAt: now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	k := key(snap.UserID, snap.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to store session record: %w", err)
	}

	a.logger.Debug("archived session", "session_id", snap.ID, "key", k, "size_bytes", len(data))
	return nil
}

// OnFinish adapts Store to the session manager's finish hook.
func (a *Archive) OnFinish(ctx context.Context, snap models.Snapshot) {
	if err := a.Store(ctx, snap); err != nil {
		a.logger.Error("failed to archive session", "session_id", snap.ID, "error", err)
	}
}

// Load fetches an archived session owned by userID.
func (a *Archive) Load(ctx context.Context, userID, sessionID string) (*Record, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key(userID, sessionID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	rec.Session.UserID = rec.UserID
	return &rec, nil
}
