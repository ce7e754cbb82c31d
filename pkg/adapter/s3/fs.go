package s3

import (
	"context"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

func init() {
	adapter.RegisterFilesystem(model.FamilyS3, func() adapter.Filesystem { return NewFS() })
}

// bucketAvail is what DF reports for a bucket: object storage has no
// meaningful free-space number, so the scheduler sees a large constant
// and s3 media never go full through space accounting.
const bucketAvail = int64(1) << 50

// FS is the s3-family Filesystem adapter. There is no real mount: the
// device path is the bucket name, Mount is a reachability check, and
// the medium label is the bucket name itself.
type FS struct {
	io *Adapter
}

// NewFS constructs the s3 filesystem adapter, sharing the IO adapter's
// lazily-built client.
func NewFS() *FS {
	return &FS{io: New()}
}

// Format verifies the bucket exists and is reachable; buckets are
// provisioned out-of-band, so formatting creates nothing.
func (f *FS) Format(ctx context.Context, devicePath, label string) (adapter.DFResult, error) {
	if err := f.check(ctx, devicePath); err != nil {
		return adapter.DFResult{}, err
	}
	return adapter.DFResult{Avail: bucketAvail}, nil
}

// Mount is the no-op credential/bucket check.
func (f *FS) Mount(ctx context.Context, devicePath, root, label string) error {
	return f.check(ctx, devicePath)
}

// Umount has nothing to tear down.
func (f *FS) Umount(ctx context.Context, devicePath, root string) error {
	return nil
}

// DF reports the constant bucket capacity.
func (f *FS) DF(ctx context.Context, root string) (adapter.DFResult, error) {
	return adapter.DFResult{Avail: bucketAvail}, nil
}

// GetLabel returns the bucket name: bucket and medium are 1:1 for the
// s3 family, so the label is the identity itself.
func (f *FS) GetLabel(ctx context.Context, root string) (string, error) {
	return path.Base(root), nil
}

// Mounted reports the bucket as always mounted at itself once it is
// reachable; the mount pipeline then adopts it.
func (f *FS) Mounted(ctx context.Context, devicePath string) (string, error) {
	if err := f.check(ctx, devicePath); err != nil {
		return "", nil
	}
	return devicePath, nil
}

func (f *FS) check(ctx context.Context, bucket string) error {
	if err := f.io.ensureClient(ctx); err != nil {
		return taxonomy.NewCommError(bucket, err)
	}
	_, err := f.io.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return classifyAWSError(bucket, err)
	}
	return nil
}
