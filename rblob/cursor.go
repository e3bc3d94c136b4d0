package rblob

import (
	"context"
	"encoding/json"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/prometheus/client_golang/prometheus"
	"gocloud.dev/blob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/luno/txrelay"
)

// ErrInvalidCursor occurs when a cursor is not an unsigned integer version.
var ErrInvalidCursor = errors.New("invalid cursor, only uint supported", j.C("ERR_b0f4e2a9c7163d58"))

const defaultPrefix = "cursors"

// Option is a functional option that configures a cursor store.
type Option func(*CursorStore)

// WithPrefix returns an option to configure the key prefix of cursor
// blobs. It defaults to "cursors".
func WithPrefix(prefix string) Option {
	return func(s *CursorStore) {
		s.prefix = prefix
	}
}

// withNow replaces the clock for testing.
func withNow(now func() time.Time) Option {
	return func(s *CursorStore) {
		s.now = now
	}
}

// OpenCursorStore opens and returns a cursor store for the provided bucket url.
func OpenCursorStore(ctx context.Context, urlstr string, opts ...Option) (*CursorStore, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, errors.Wrap(err, "open bucket")
	}

	return NewCursorStore(urlstr, bucket, opts...), nil
}

// OpenS3CursorStore opens and returns a cursor store in the named s3
// bucket using the provided client. See OpenCursorStore which can also
// open s3 bucket urls, but obtains the AWS config from the environment.
func OpenS3CursorStore(ctx context.Context, client *s3.Client, bucketName string,
	opts ...Option,
) (*CursorStore, error) {
	bucket, err := s3blob.OpenBucketV2(ctx, client, bucketName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open s3 bucket", j.KS("bucket", bucketName))
	}

	return NewCursorStore("s3://"+bucketName, bucket, opts...), nil
}

// NewCursorStore returns a cursor store using the provided underlying bucket.
// label defines the bucket label used for metrics.
func NewCursorStore(label string, bucket *blob.Bucket, opts ...Option) *CursorStore {
	s := &CursorStore{
		bucket:       bucket,
		prefix:       defaultPrefix,
		now:          time.Now,
		readCounter:  readCounter.WithLabelValues(label),
		writeCounter: writeCounter.WithLabelValues(label),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

var _ txrelay.CursorStore = (*CursorStore)(nil)

// CursorStore stores cursors as json blobs, one per relay name.
type CursorStore struct {
	bucket *blob.Bucket
	prefix string
	now    func() time.Time

	readCounter  prometheus.Counter
	writeCounter prometheus.Counter
}

type record struct {
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *CursorStore) key(name string) string {
	return path.Join(s.prefix, name+".json")
}

// GetCursor returns the named cursor, or an empty string if it was never set.
func (s *CursorStore) GetCursor(ctx context.Context, name string) (string, error) {
	b, err := s.bucket.ReadAll(ctx, s.key(name))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return "", nil
	} else if err != nil {
		return "", errors.Wrap(err, "read cursor", j.KS("key", s.key(name)))
	}
	s.readCounter.Inc()

	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return "", errors.Wrap(err, "decode cursor", j.KS("key", s.key(name)))
	}

	return r.Cursor, nil
}

// SetCursor overwrites the named cursor.
func (s *CursorStore) SetCursor(ctx context.Context, name string, cursor string) error {
	if _, err := strconv.ParseUint(cursor, 10, 64); err != nil {
		return errors.Wrap(ErrInvalidCursor, "", j.KS("cursor", cursor))
	}

	b, err := json.Marshal(record{Cursor: cursor, UpdatedAt: s.now().UTC()})
	if err != nil {
		return err
	}

	err = s.bucket.WriteAll(ctx, s.key(name), b, &blob.WriterOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return errors.Wrap(err, "write cursor", j.KS("key", s.key(name)))
	}
	s.writeCounter.Inc()

	return nil
}

// Flush is a no-op since writes are not buffered.
func (s *CursorStore) Flush(context.Context) error {
	return nil
}

// Close releases any resources used by the underlying bucket.
func (s *CursorStore) Close() error {
	return s.bucket.Close()
}
