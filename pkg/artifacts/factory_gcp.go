//go:build gcp

package artifacts

import (
	"context"
	"fmt"
	"os"
)

func newGCSBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("PREDATOR_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: PREDATOR_GCS_BUCKET is required for the gcs mirror")
	}
	return NewGCSBlobStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("PREDATOR_GCS_PREFIX"),
	})
}
