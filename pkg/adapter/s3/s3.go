// Package s3 implements the IO adapter trait over an S3-compatible
// object store. A "mount" for the s3 family is a stateless
// credential/bucket reachability check rather than a filesystem mount;
// extents are objects keyed by the same deterministic name mapper used
// by the dir family; the object key is the extent key itself, with no
// prefix.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/cea-hpc/phobosd/pkg/adapter"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

func init() {
	adapter.RegisterIO(model.FamilyS3, func() adapter.IO { return New() })
}

type pendingObject struct {
	buf    *bytes.Buffer
	reader io.Reader
	xattrs map[string]string
}

// Adapter is the s3-family IO adapter. "root" in every call is the
// bucket name: the s3 family has no mount path, so the scheduler passes
// the bucket through the same root parameter the dir family uses for a
// directory path.
type Adapter struct {
	mu       sync.Mutex
	client   *s3.Client
	initOnce sync.Once
	initErr  error
	pending  map[string]*pendingObject
}

// New constructs an s3 adapter. The underlying client is created lazily
// on first use from the default AWS config chain (env vars, shared
// config, instance profile), matching how the rest of the daemon treats
// adapters as cheap to construct and expensive to connect.
func New() *Adapter {
	return &Adapter{pending: map[string]*pendingObject{}}
}

func (a *Adapter) ensureClient(ctx context.Context) error {
	a.initOnce.Do(func() {
		var opts []func(*awsconfig.LoadOptions) error
		// PHOBOS_S3_* static credentials take precedence over the
		// default chain, following the SECTION_key env convention.
		if ak := os.Getenv("PHOBOS_S3_ACCESS_KEY"); ak != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(ak, os.Getenv("PHOBOS_S3_SECRET_KEY"), "")))
		}
		if region := os.Getenv("PHOBOS_S3_REGION"); region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			a.initErr = err
			return
		}
		endpoint := os.Getenv("PHOBOS_S3_ENDPOINT")
		a.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = &endpoint
				o.UsePathStyle = true
			}
		})
	})
	return a.initErr
}

func (a *Adapter) key(h adapter.IOHandle) string {
	return h.ExtentKey
}

// Open stages a new upload (IsPut) or fetches and buffers the existing
// object (!IsPut) for subsequent Read calls.
func (a *Adapter) Open(ctx context.Context, bucket string, h adapter.IOHandle) error {
	if err := a.ensureClient(ctx); err != nil {
		return taxonomy.NewCommError(bucket, err)
	}

	if h.IsPut {
		a.mu.Lock()
		a.pending[a.key(h)] = &pendingObject{buf: &bytes.Buffer{}, xattrs: map[string]string{}}
		a.mu.Unlock()
		return nil
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(h.ExtentKey),
	})
	if err != nil {
		return classifyAWSError(h.ExtentKey, err)
	}

	a.mu.Lock()
	a.pending[a.key(h)] = &pendingObject{reader: out.Body}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) get(h adapter.IOHandle) (*pendingObject, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[a.key(h)]
	if !ok {
		return nil, taxonomy.NewInvalidError(h.ExtentKey, "handle not open")
	}
	return p, nil
}

// Write buffers bytes for the eventual PutObject issued on Close.
func (a *Adapter) Write(ctx context.Context, h adapter.IOHandle, buf []byte) (int, error) {
	p, err := a.get(h)
	if err != nil {
		return 0, err
	}
	if p.buf == nil {
		return 0, taxonomy.NewInvalidError(h.ExtentKey, "handle not open for write")
	}
	return p.buf.Write(buf)
}

// Read streams from the buffered GetObject body.
func (a *Adapter) Read(ctx context.Context, h adapter.IOHandle, buf []byte) (int, error) {
	p, err := a.get(h)
	if err != nil {
		return 0, err
	}
	if p.reader == nil {
		return 0, taxonomy.NewInvalidError(h.ExtentKey, "handle not open for read")
	}
	n, rerr := p.reader.Read(buf)
	if rerr != nil && rerr != io.EOF {
		return n, taxonomy.NewIOError(h.ExtentKey, rerr)
	}
	return n, nil
}

// Close issues the buffered PutObject for a write handle, or releases
// the read body; bucket is the same root parameter passed to Open.
func (a *Adapter) Close(ctx context.Context, h adapter.IOHandle) error {
	a.mu.Lock()
	p, ok := a.pending[a.key(h)]
	delete(a.pending, a.key(h))
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if p.buf == nil {
		if closer, ok := p.reader.(io.Closer); ok {
			return closer.Close()
		}
		return nil
	}
	return nil
}

// flushPut uploads a staged object with its accumulated xattrs as S3
// metadata. It is invoked by the store library's bucket/root plumbing,
// which knows the bucket the Open call used (the IO trait signature
// does not carry it on Close).
func (a *Adapter) flushPut(ctx context.Context, bucket string, h adapter.IOHandle) error {
	p, err := a.get(h)
	if err != nil {
		return err
	}
	meta := make(map[string]string, len(p.xattrs))
	for k, v := range p.xattrs {
		meta[k] = v
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(h.ExtentKey),
		Body:     bytes.NewReader(p.buf.Bytes()),
		Metadata: meta,
	})
	if err != nil {
		return classifyAWSError(h.ExtentKey, err)
	}
	return nil
}

// SetXattr stores k/v as S3 object metadata, attached at flushPut time.
func (a *Adapter) SetXattr(ctx context.Context, h adapter.IOHandle, key, value string) error {
	p, err := a.get(h)
	if err != nil {
		return err
	}
	if p.xattrs == nil {
		return taxonomy.NewInvalidError(h.ExtentKey, "handle not open for write")
	}
	p.xattrs[key] = value
	return nil
}

// GetXattr is not available on a buffered read handle without a HeadObject
// round-trip; callers needing xattrs on read should fetch them via HeadObject
// directly through the store library rather than through this trait.
func (a *Adapter) GetXattr(ctx context.Context, h adapter.IOHandle, key string) (string, error) {
	return "", taxonomy.NewNotSupportedError(h.ExtentKey, "xattr read requires HeadObject, not exposed on IOHandle")
}

// MediumSync is a no-op: every PutObject call is already durable once
// it returns, so there is nothing to batch-flush for the s3 family.
func (a *Adapter) MediumSync(ctx context.Context, root string) error {
	return nil
}

// PreferredIOSize returns a large chunk size favoring fewer, bigger
// PutObject calls over many small ones.
func (a *Adapter) PreferredIOSize(ctx context.Context, h adapter.IOHandle) int {
	return 8 << 20
}

// Delete removes the object backing loc.
func (a *Adapter) Delete(ctx context.Context, loc adapter.ExtentLocation) error {
	if err := a.ensureClient(ctx); err != nil {
		return taxonomy.NewCommError(loc.Root, err)
	}
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(loc.Root),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return classifyAWSError(loc.Key, err)
	}
	return nil
}

// classifyAWSError maps SDK errors onto the error taxonomy: throttling
// and network failures are comm, a missing key is not_found, and
// anything else is io.
func classifyAWSError(entity string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return taxonomy.NewNotFoundError(entity)
		case "SlowDown", "RequestTimeout", "ThrottlingException":
			return taxonomy.NewCommError(entity, err)
		}
	}
	return taxonomy.NewIOError(entity, err)
}
