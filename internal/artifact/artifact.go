package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/angelmondragon/immsbatch/pkg/aws"
	"github.com/angelmondragon/immsbatch/pkg/config"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/angelmondragon/immsbatch/pkg/logger"
	"github.com/angelmondragon/immsbatch/pkg/storage/gcs"
	"github.com/angelmondragon/immsbatch/pkg/storage/s3"
)

// ContentTypeCSV is used for every acknowledgement artifact.
const ContentTypeCSV = "text/csv"

// ErrNotFound is returned by stores for absent objects.
var ErrNotFound = errors.New("artifact not found")

// Store is byte I/O over object storage. The store offers no append and no
// cross-object atomicity; callers serialize writers per object.
type Store interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Read(ctx context.Context, bucket, key string) ([]byte, error)
	Write(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// IsNotFound reports whether err means the object does not exist, for any backend.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gcs.ErrObjectNotFound) || errors.Is(err, s3.ErrObjectNotFound)
}

// Move copies src to dst and then deletes src. A crash between the two steps
// leaves both objects, which readers resolve by preferring dst.
func Move(ctx context.Context, store Store, srcBucket, srcKey, dstBucket, dstKey string) error {
	if err := store.Copy(ctx, srcBucket, srcKey, dstBucket, dstKey); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "copy artifact")
	}
	if err := store.Delete(ctx, srcBucket, srcKey); err != nil && !IsNotFound(err) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete moved artifact")
	}
	return nil
}

// Backend bundles the selected store with its health check.
type Backend struct {
	Store  Store
	Layout Layout
	ping   func(context.Context) error
	close  func() error
}

// Ping checks the buckets are reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if b == nil || b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases backend resources.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// NewBackend builds the store chosen by IMMSBATCH_ARTIFACT_BACKEND.
func NewBackend(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Backend, error) {
	layout := NewLayout(cfg)
	switch strings.ToLower(strings.TrimSpace(cfg.Artifacts.Backend)) {
	case config.ArtifactBackendS3:
		awsCfg, err := aws.LoadConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		client, err := s3.NewClient(aws.NewS3(awsCfg, cfg.AWS.Endpoint))
		if err != nil {
			return nil, err
		}
		return &Backend{
			Store:  client,
			Layout: layout,
			ping: func(ctx context.Context) error {
				return client.Ping(ctx, layout.SourceBucket, layout.AckBucket)
			},
		}, nil
	case config.ArtifactBackendGCS, "":
		gcsCfg := config.GCSConfig{SourceBucket: layout.SourceBucket, AckBucket: layout.AckBucket}
		client, err := gcs.NewClient(ctx, gcsCfg, cfg.GCP, logg)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: client, Layout: layout, ping: client.Ping, close: client.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q", cfg.Artifacts.Backend)
	}
}
