package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configures the cold-backup object-storage backend. It is not a
// hot-path store: every Sync rewrites the whole object, so it suits
// occasional snapshotting of a feed rather than active append/read traffic.
type S3Options struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	UseSSL     bool
	ObjectPath string // prefix under which the six logical streams live
}

// s3Stream buffers a logical stream's full contents in memory, downloading
// the existing object (if any) on first access and re-uploading the whole
// object on Sync. Reads and writes address into that in-memory buffer the
// same way fileStream addresses into a file.
type s3Stream struct {
	mu     sync.Mutex
	client *minio.Client
	bucket string
	key    string

	loaded bool
	buf    []byte
	dirty  bool
}

// S3Provider returns a Provider backed by an S3-compatible bucket, grounded
// on the same minio-go client construction and bucket-ensure pattern used
// for attachment storage: static credentials, auto-create bucket, and
// object keys namespaced by stream name.
func S3Provider(ctx context.Context, opts S3Options) (Provider, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("storage: failed to create bucket: %w", err)
		}
	}

	return func(name string) (RandomAccess, error) {
		key := name
		if opts.ObjectPath != "" {
			key = opts.ObjectPath + "/" + name
		}
		return &s3Stream{client: client, bucket: opts.Bucket, key: key}, nil
	}, nil
}

func (s *s3Stream) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	obj, err := s.client.GetObject(context.Background(), s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		s.buf = nil
		s.loaded = true
		return nil
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		// A missing object surfaces here as a read error from minio rather
		// than at GetObject time; treat it as "nothing stored yet".
		s.buf = nil
		s.loaded = true
		return nil
	}
	s.buf = data
	s.loaded = true
	return nil
}

func (s *s3Stream) Read(offset int64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	end := offset + int64(length)
	if offset < 0 || end > int64(len(s.buf)) {
		return nil, ErrNotFound
	}
	out := make([]byte, length)
	copy(out, s.buf[offset:end])
	return out, nil
}

func (s *s3Stream) Write(offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	end := offset + int64(len(data))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[offset:end], data)
	s.dirty = true
	return nil
}

// Sync uploads the whole buffered object when dirty. This is the
// documented cost of using object storage as a feed backend: unlike
// fileStream's in-place WriteAt, every flush is a full PutObject.
func (s *s3Stream) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	_, err := s.client.PutObject(context.Background(), s.bucket, s.key,
		bytes.NewReader(s.buf), int64(len(s.buf)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("storage: failed to flush %q: %w", s.key, err)
	}
	s.dirty = false
	return nil
}

func (s *s3Stream) Close() error {
	return s.Sync()
}
