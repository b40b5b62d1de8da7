// Package attachment stores message attachments and returns their public URL.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"duet/cmd/messaging"
)

const (
	// DefaultBucket is the storage bucket for message attachments.
	DefaultBucket = "message-attachments"

	// DefaultMaxBytes bounds a single attachment (5 MiB).
	DefaultMaxBytes = 5 << 20
)

var (
	ErrEmptyFile       = errors.New("attachment: empty file")
	ErrTooLarge        = errors.New("attachment: file too large")
	ErrUnsupportedType = errors.New("attachment: unsupported content type")
	ErrInvalidOwner    = errors.New("attachment: invalid owner")
	ErrBackend         = errors.New("attachment: storage backend failure")
)

var metricUploads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "duet",
	Subsystem: "attachment",
	Name:      "uploads_total",
	Help:      "Attachment uploads by outcome.",
}, []string{"outcome"})

// File is an attachment selected by the user.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Backend writes an object and returns the URL it can be fetched from.
type Backend interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
}

// Uploader validates attachments and writes them to a Backend.
// Objects are never deleted; an upload whose message is never sent stays orphaned.
type Uploader struct {
	backend  Backend
	bucket   string
	maxBytes int64
	allowed  []string
	now      func() time.Time
	log      *slog.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithBucket overrides DefaultBucket.
func WithBucket(bucket string) Option {
	return func(u *Uploader) {
		if b := strings.TrimSpace(bucket); b != "" {
			u.bucket = b
		}
	}
}

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.maxBytes = n
		}
	}
}

// WithAllowedTypes sets the accepted content types. Entries ending in "/" or "/*"
// match a whole family ("image/*").
func WithAllowedTypes(types ...string) Option {
	return func(u *Uploader) {
		var out []string
		for _, t := range types {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			u.allowed = out
		}
	}
}

// WithClock overrides the clock used in object keys.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) {
		if now != nil {
			u.now = now
		}
	}
}

// NewUploader constructs an Uploader over backend.
func NewUploader(backend Backend, log *slog.Logger, opts ...Option) (*Uploader, error) {
	if backend == nil {
		return nil, errors.New("attachment: nil backend")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	u := &Uploader{
		backend:  backend,
		bucket:   DefaultBucket,
		maxBytes: DefaultMaxBytes,
		allowed:  []string{"image/*"},
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u, nil
}

// MaxBytes returns the configured size limit.
func (u *Uploader) MaxBytes() int64 { return u.maxBytes }

// Upload stores f under "<owner>/<unix-millis>_attachment.<ext>" and returns its URL.
// Every failure is a messaging.UploadError.
func (u *Uploader) Upload(ctx context.Context, ownerID string, f File) (string, error) {
	const op = "attachment.Upload"

	fail := func(outcome string, err error) (string, error) {
		metricUploads.WithLabelValues(outcome).Inc()
		return "", messaging.UploadError{Op: op, Err: err}
	}

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" || strings.ContainsAny(ownerID, `/\`) || ownerID == "." || ownerID == ".." {
		return fail("invalid", ErrInvalidOwner)
	}
	if len(f.Data) == 0 {
		return fail("invalid", ErrEmptyFile)
	}
	if int64(len(f.Data)) > u.maxBytes {
		return fail("too_large", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(f.Data), u.maxBytes))
	}

	contentType := DetectContentType(f)
	if !u.typeAllowed(contentType) {
		return fail("unsupported", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType))
	}

	key := fmt.Sprintf("%s/%d_attachment.%s", ownerID, u.now().UnixMilli(), extensionFor(f.Name, contentType))

	url, err := u.backend.Put(ctx, u.bucket, key, f.Data, contentType)
	if err != nil {
		u.log.Warn("attachment.put.fail", "bucket", u.bucket, "key", key, "err", err)
		return fail("error", errors.Join(ErrBackend, err))
	}

	metricUploads.WithLabelValues("stored").Inc()
	u.log.Info("attachment.put", "bucket", u.bucket, "key", key, "bytes", len(f.Data), "content_type", contentType)
	return url, nil
}

func (u *Uploader) typeAllowed(contentType string) bool {
	for _, a := range u.allowed {
		switch {
		case strings.HasSuffix(a, "/*"):
			if strings.HasPrefix(contentType, strings.TrimSuffix(a, "*")) {
				return true
			}
		case strings.HasSuffix(a, "/"):
			if strings.HasPrefix(contentType, a) {
				return true
			}
		case a == contentType:
			return true
		}
	}
	return false
}

// DetectContentType sniffs the media type from content. The declared type is used only
// when sniffing yields nothing more specific than application/octet-stream.
func DetectContentType(f File) string {
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(f.Data))
	if sniffed != "" && sniffed != "application/octet-stream" {
		return sniffed
	}
	if declared, _, err := mime.ParseMediaType(f.ContentType); err == nil && declared != "" {
		return strings.ToLower(declared)
	}
	return "application/octet-stream"
}

var preferredExt = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
}

func extensionFor(name, contentType string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(strings.TrimSpace(name)), "."))
	if ext != "" && len(ext) <= 8 && isAlnum(ext) {
		return ext
	}
	if e, ok := preferredExt[contentType]; ok {
		return e
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
