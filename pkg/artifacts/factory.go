package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// MirrorType selects the blob mirror backend.
type MirrorType string

const (
	MirrorFS  MirrorType = "fs"
	MirrorS3  MirrorType = "s3"
	MirrorGCS MirrorType = "gcs"
)

// NewBlobStoreFromEnv builds a blob mirror from environment variables.
//
//	PREDATOR_ARTIFACT_MIRROR: "fs" (default), "s3", or "gcs"
//	PREDATOR_DATA_DIR:        base directory for the fs mirror
//	PREDATOR_S3_BUCKET / PREDATOR_S3_REGION / PREDATOR_S3_ENDPOINT / PREDATOR_S3_PREFIX
//	PREDATOR_GCS_BUCKET / PREDATOR_GCS_PREFIX
func NewBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	switch MirrorType(envOr("PREDATOR_ARTIFACT_MIRROR", string(MirrorFS))) {
	case MirrorFS:
		dataDir := envOr("PREDATOR_DATA_DIR", "data")
		return NewFileBlobStore(filepath.Join(dataDir, "artifacts"))
	case MirrorS3:
		bucket := os.Getenv("PREDATOR_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("artifacts: PREDATOR_S3_BUCKET is required for the s3 mirror")
		}
		region := envOr("PREDATOR_S3_REGION", os.Getenv("AWS_REGION"))
		if region == "" {
			region = "us-east-1"
		}
		return NewS3BlobStore(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("PREDATOR_S3_ENDPOINT"),
			Prefix:   os.Getenv("PREDATOR_S3_PREFIX"),
		})
	case MirrorGCS:
		return newGCSBlobStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("artifacts: unsupported mirror type %q", os.Getenv("PREDATOR_ARTIFACT_MIRROR"))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
