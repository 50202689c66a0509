//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	return nil, fmt.Errorf("artifacts: gcs mirror is not enabled in this build (use -tags gcp)")
}
