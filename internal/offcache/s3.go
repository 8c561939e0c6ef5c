package offcache

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	platformerrors "github.com/jmgilman/go/errors"
)

// S3 layout inside the bucket:
//
//	<store>/.store           marker, created by Open
//	<store>/<base64url(key)> gob encoded Entry
//
// Replicas sharing a bucket see each other's stores and entries.
const (
	s3MarkerName     = ".store"
	storedAtMetaKey  = "stored_at"
	s3DeleteBatchMax = 1000
)

// s3API is the part of *s3.Client the registry calls.
type s3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(context.Context, *s3.DeleteObjectsInput, ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type s3Registry struct {
	bucket   string
	client   s3API
	uploader *manager.Uploader

	// maxBytes caps each store; 0 is unbounded. Recency on S3 is the
	// object's LastModified, so the oldest writes go first.
	maxBytes int64

	mu sync.Mutex
	// sizes is the byte total per store as of the last listing plus the
	// puts since. Replacements overcount, which only triggers a relisting.
	sizes map[string]int64
}

func NewS3Registry(bucket string, client s3API, maxBytesPerStore int64) Registry {
	return &s3Registry{
		bucket:   bucket,
		client:   client,
		uploader: manager.NewUploader(client),
		maxBytes: maxBytesPerStore,
		sizes:    map[string]int64{},
	}
}

func (r *s3Registry) Open(ctx context.Context, name string) (Store, error) {
	marker := name + "/" + s3MarkerName
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(marker),
	})
	if err != nil && !isS3NotFound(err) {
		return nil, storeError(err, "open store "+name)
	}
	if err != nil {
		_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(marker),
			Body:   bytes.NewReader(nil),
			Metadata: map[string]string{
				storedAtMetaKey: strconv.FormatInt(time.Now().UTC().Unix(), 10),
			},
		})
		if err != nil {
			return nil, storeError(err, "create store "+name)
		}
	}
	return &s3Store{reg: r, name: name}, nil
}

func (r *s3Registry) Names(ctx context.Context) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.bucket),
		Delimiter: aws.String("/"),
	})
	var out []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storeError(err, "list stores")
		}
		for _, cp := range page.CommonPrefixes {
			out = append(out, strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *s3Registry) Delete(ctx context.Context, name string) (bool, error) {
	objs, err := r.listObjects(ctx, name+"/")
	if err != nil {
		return false, storeError(err, "scan store "+name)
	}
	if len(objs) == 0 {
		return false, nil
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, aws.ToString(o.Key))
	}
	r.forget(name)
	if err := r.deleteObjects(ctx, keys); err != nil {
		return false, storeError(err, "delete store "+name)
	}
	return true, nil
}

func (r *s3Registry) Close() error { return nil }

func (r *s3Registry) listObjects(ctx context.Context, prefix string) ([]types.Object, error) {
	p := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	var out []types.Object
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Contents...)
	}
	return out, nil
}

// deleteObjects removes keys in batches. Quiet mode only reports failures,
// so any entry in Errors fails the call.
func (r *s3Registry) deleteObjects(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += s3DeleteBatchMax {
		end := min(start+s3DeleteBatchMax, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := r.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(r.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return platformerrors.Newf(platformerrors.CodeDatabase, "%d of %d objects not deleted, first %s: %s %s",
				len(out.Errors), len(ids), aws.ToString(first.Key), aws.ToString(first.Code), aws.ToString(first.Message))
		}
	}
	return nil
}

// grow adds n to the tracked total of a store. ok is false when the store
// has not been listed yet.
func (r *s3Registry) grow(name string, n int64) (total int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total, ok = r.sizes[name]
	if !ok {
		return 0, false
	}
	total += n
	r.sizes[name] = total
	return total, true
}

func (r *s3Registry) setSize(name string, total int64) {
	r.mu.Lock()
	r.sizes[name] = total
	r.mu.Unlock()
}

func (r *s3Registry) forget(name string) {
	r.mu.Lock()
	delete(r.sizes, name)
	r.mu.Unlock()
}

type s3Store struct {
	reg  *s3Registry
	name string
}

func (s *s3Store) Name() string { return s.name }

func (s *s3Store) prefix() string { return s.name + "/" }

func (s *s3Store) objectKey(key string) string {
	return s.prefix() + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *s3Store) Get(ctx context.Context, key string) (Entry, error) {
	out, err := s.reg.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.reg.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, storeError(err, "get "+key)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Entry{}, storeError(err, "read "+key)
	}
	var ent Entry
	if err := decodeGob(body, &ent); err != nil {
		return Entry{}, storeError(err, "decode "+key)
	}
	return ent, nil
}

func (s *s3Store) Put(ctx context.Context, key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return storeError(err, "encode "+key)
	}
	_, err = s.reg.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.reg.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			storedAtMetaKey: strconv.FormatInt(ent.StoredAt, 10),
		},
	})
	if err != nil {
		return storeError(err, "put "+key)
	}

	limit := s.reg.maxBytes
	if limit <= 0 {
		return nil
	}
	if total, ok := s.reg.grow(s.name, int64(len(b))); ok && total <= limit {
		return nil
	}
	return s.enforceCap(ctx, s.objectKey(key), limit)
}

// enforceCap relists the store and deletes the oldest objects, never keep,
// until it fits limit.
func (s *s3Store) enforceCap(ctx context.Context, keep string, limit int64) error {
	objs, err := s.reg.listObjects(ctx, s.prefix())
	if err != nil {
		s.reg.forget(s.name)
		return storeError(err, "scan "+s.name)
	}
	var total int64
	items := make([]evictionCandidate, 0, len(objs))
	for _, o := range objs {
		k := aws.ToString(o.Key)
		if strings.TrimPrefix(k, s.prefix()) == s3MarkerName {
			continue
		}
		size := aws.ToInt64(o.Size)
		total += size
		items = append(items, evictionCandidate{key: k, size: size, at: aws.ToTime(o.LastModified).UnixNano()})
	}
	if total > limit {
		var victims []string
		victims, total = pickEvictions(items, keep, total, limit)
		if err := s.reg.deleteObjects(ctx, victims); err != nil {
			s.reg.forget(s.name)
			return storeError(err, "evict "+s.name)
		}
	}
	s.reg.setSize(s.name, total)
	return nil
}

func (s *s3Store) Keys(ctx context.Context) ([]string, error) {
	objs, err := s.reg.listObjects(ctx, s.prefix())
	if err != nil {
		return nil, storeError(err, "list "+s.name)
	}
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		enc := strings.TrimPrefix(aws.ToString(o.Key), s.prefix())
		if enc == s3MarkerName {
			continue
		}
		k, err := base64.RawURLEncoding.DecodeString(enc)
		if err != nil {
			continue
		}
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out, nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
