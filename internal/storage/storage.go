// Package storage is the blob store client used for uploaded study
// materials. BlobStore is the narrow contract the services depend on; the
// Supabase implementation talks to Supabase Storage through storage-go.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gosimple/slug"
	storage_go "github.com/supabase-community/storage-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-study-backend/internal/config"
	"github.com/tbourn/go-study-backend/internal/observability"
)

// ErrNotConfigured is returned by NewSupabase when the project URL or key is
// missing.
var ErrNotConfigured = errors.New("storage: supabase url/key not configured")

// BlobStore stores raw upload bytes and hands back a retrievable URL.
type BlobStore interface {
	// Upload writes body under objectPath and returns its public URL.
	Upload(ctx context.Context, objectPath, contentType string, body io.Reader) (string, error)
	// Remove deletes the object at objectPath. Removing a missing object is
	// not an error for callers that treat removal as best-effort.
	Remove(ctx context.Context, objectPath string) error
}

// PathResolver is implemented by stores that can recover an object path from
// a public URL they handed out earlier.
type PathResolver interface {
	PathFromURL(publicURL string) (string, bool)
}

// Supabase is a BlobStore backed by one Supabase Storage bucket.
type Supabase struct {
	upload  func(bucket, objectPath string, body io.Reader, opts storage_go.FileOptions) error
	remove  func(bucket string, paths []string) error
	baseURL string
	bucket  string
}

// NewSupabase builds a client for cfg.Bucket at cfg.SupabaseURL.
func NewSupabase(cfg config.StorageConfig) (*Supabase, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		return nil, ErrNotConfigured
	}
	base := strings.TrimRight(cfg.SupabaseURL, "/")
	client := storage_go.NewClient(base+"/storage/v1", cfg.SupabaseKey, nil)
	return &Supabase{
		upload: func(bucket, objectPath string, body io.Reader, opts storage_go.FileOptions) error {
			_, err := client.UploadFile(bucket, objectPath, body, opts)
			return err
		},
		remove: func(bucket string, paths []string) error {
			_, err := client.RemoveFile(bucket, paths)
			return err
		},
		baseURL: base,
		bucket:  cfg.Bucket,
	}, nil
}

// Bucket returns the bucket name.
func (s *Supabase) Bucket() string { return s.bucket }

// PublicURL returns the public object URL for objectPath.
func (s *Supabase) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, escapePath(objectPath))
}

// PathFromURL implements PathResolver for this store's bucket.
func (s *Supabase) PathFromURL(publicURL string) (string, bool) {
	return ObjectPathFromURL(publicURL, s.bucket)
}

// Upload implements BlobStore.
func (s *Supabase) Upload(ctx context.Context, objectPath, contentType string, body io.Reader) (string, error) {
	ctx, span := otel.Tracer("storage/Supabase").Start(ctx, "Upload",
		trace.WithAttributes(
			attribute.String("storage.bucket", s.bucket),
			attribute.String("storage.path", objectPath),
		),
	)
	defer span.End()

	// storage-go has no context support; honor cancellation before the call.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	opts := storage_go.FileOptions{}
	if contentType != "" {
		opts.ContentType = &contentType
	}
	err := s.upload(s.bucket, objectPath, body, opts)
	observability.BlobOpsTotal.WithLabelValues("upload", observability.Outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return "", fmt.Errorf("upload %s/%s: %w", s.bucket, objectPath, err)
	}
	return s.PublicURL(objectPath), nil
}

// Remove implements BlobStore.
func (s *Supabase) Remove(ctx context.Context, objectPath string) error {
	ctx, span := otel.Tracer("storage/Supabase").Start(ctx, "Remove",
		trace.WithAttributes(
			attribute.String("storage.bucket", s.bucket),
			attribute.String("storage.path", objectPath),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.remove(s.bucket, []string{objectPath})
	observability.BlobOpsTotal.WithLabelValues("remove", observability.Outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remove failed")
		return fmt.Errorf("remove %s/%s: %w", s.bucket, objectPath, err)
	}
	return nil
}

// ObjectKey builds a collision-resistant key namespaced by owner:
// <owner>/<unix-millis>-<slug>-<rand>.<ext>. The slug keeps keys URL-safe
// for any filename; the random suffix separates same-millisecond uploads.
func ObjectKey(owner, filename string, now time.Time) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	stem := slug.Make(strings.TrimSuffix(path.Base(filename), path.Ext(filename)))
	if stem == "" {
		stem = "file"
	}
	if len(stem) > 64 {
		stem = strings.Trim(stem[:64], "-")
	}
	key := fmt.Sprintf("%s/%d-%s-%s", owner, now.UnixMilli(), stem, randSuffix())
	if ext != "" {
		key += "." + slug.Make(ext)
	}
	return key
}

// ObjectPathFromURL extracts the object key from a public URL of bucket.
// It reports false when the URL does not point into that bucket.
func ObjectPathFromURL(publicURL, bucket string) (string, bool) {
	marker := "/" + bucket + "/"
	i := strings.Index(publicURL, "/storage/v1/object/")
	if i < 0 {
		return "", false
	}
	rest := publicURL[i:]
	j := strings.Index(rest, marker)
	if j < 0 {
		return "", false
	}
	p := rest[j+len(marker):]
	if q := strings.IndexAny(p, "?#"); q >= 0 {
		p = p[:q]
	}
	if u, err := url.PathUnescape(p); err == nil {
		p = u
	}
	return p, p != ""
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

func randSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
