package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"duet/cmd/messaging"
)

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

type recordingBackend struct {
	bucket, key, contentType string
	data                     []byte
	err                      error
	calls                    int
}

func (r *recordingBackend) Put(_ context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	r.calls++
	r.bucket, r.key, r.data, r.contentType = bucket, key, data, contentType
	if r.err != nil {
		return "", r.err
	}
	return "https://cdn.test/" + bucket + "/" + key, nil
}

func fixedClock() time.Time { return time.UnixMilli(1700000000123) }

func TestUpload_KeyAndURL(t *testing.T) {
	be := &recordingBackend{}
	u, err := NewUploader(be, nil, WithClock(fixedClock))
	require.NoError(t, err)

	url, err := u.Upload(context.Background(), "alice", File{Name: "Cat.PNG", Data: pngHeader})
	require.NoError(t, err)
	require.Equal(t, DefaultBucket, be.bucket)
	require.Equal(t, "alice/1700000000123_attachment.png", be.key)
	require.Equal(t, "image/png", be.contentType)
	require.Equal(t, "https://cdn.test/message-attachments/alice/1700000000123_attachment.png", url)
}

func TestUpload_ExtensionFromSniffedType(t *testing.T) {
	be := &recordingBackend{}
	u, err := NewUploader(be, nil, WithClock(fixedClock))
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), "bob", File{Name: "noext", Data: []byte("GIF89a......")})
	require.NoError(t, err)
	require.Equal(t, "bob/1700000000123_attachment.gif", be.key)
}

func TestUpload_Rejects(t *testing.T) {
	be := &recordingBackend{}
	u, err := NewUploader(be, nil, WithMaxBytes(16))
	require.NoError(t, err)

	tests := []struct {
		name  string
		owner string
		file  File
		want  error
	}{
		{"empty", "alice", File{Name: "a.png"}, ErrEmptyFile},
		{"too large", "alice", File{Name: "a.png", Data: bytes.Repeat([]byte{1}, 17)}, ErrTooLarge},
		{"not an image", "alice", File{Name: "a.png", ContentType: "image/png", Data: []byte("just some text")}, ErrUnsupportedType},
		{"no owner", "", File{Name: "a.png", Data: pngHeader}, ErrInvalidOwner},
		{"owner path", "../x", File{Name: "a.png", Data: pngHeader}, ErrInvalidOwner},
	}
	for _, tt := range tests {
		_, err := u.Upload(context.Background(), tt.owner, tt.file)
		require.ErrorIs(t, err, tt.want, tt.name)
		require.ErrorIs(t, err, messaging.ErrUpload, tt.name)
	}
	require.Zero(t, be.calls)
}

func TestUpload_BackendFailure(t *testing.T) {
	cause := errors.New("connection refused")
	u, err := NewUploader(&recordingBackend{err: cause}, nil)
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), "alice", File{Name: "a.png", Data: pngHeader})
	require.ErrorIs(t, err, messaging.ErrUpload)
	require.ErrorIs(t, err, ErrBackend)
	require.ErrorIs(t, err, cause)
}

func TestUpload_AllowedTypesOverride(t *testing.T) {
	be := &recordingBackend{}
	u, err := NewUploader(be, nil, WithAllowedTypes("application/pdf"))
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), "alice", File{Name: "a.pdf", Data: []byte("%PDF-1.7 ...")})
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), "alice", File{Name: "a.png", Data: pngHeader})
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDiskBackend_Put(t *testing.T) {
	root := t.TempDir()
	d, err := NewDiskBackend(root, "http://localhost:8080/attachments/")
	require.NoError(t, err)

	url, err := d.Put(context.Background(), DefaultBucket, "alice/1_attachment.png", pngHeader, "image/png")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/attachments/message-attachments/alice/1_attachment.png", url)

	got, err := os.ReadFile(filepath.Join(root, DefaultBucket, "alice", "1_attachment.png"))
	require.NoError(t, err)
	require.Equal(t, pngHeader, got)

	for _, key := range []string{"../escape.png", "/abs.png", "a//b.png", `a\b.png`} {
		_, err := d.Put(context.Background(), DefaultBucket, key, pngHeader, "image/png")
		require.Error(t, err, key)
	}
}

type fakeS3 struct {
	in  *s3.PutObjectInput
	out *s3.PutObjectOutput
	err error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return f.out, f.err
}

func TestS3Backend_Put(t *testing.T) {
	api := &fakeS3{out: &s3.PutObjectOutput{}}
	b, err := NewS3Backend(api, "eu-west-1", "")
	require.NoError(t, err)

	url, err := b.Put(context.Background(), DefaultBucket, "alice/1_attachment.png", pngHeader, "image/png")
	require.NoError(t, err)
	require.Equal(t, "https://message-attachments.s3.eu-west-1.amazonaws.com/alice/1_attachment.png", url)
	require.Equal(t, DefaultBucket, *api.in.Bucket)
	require.Equal(t, "alice/1_attachment.png", *api.in.Key)
	require.Equal(t, "image/png", *api.in.ContentType)

	body, err := io.ReadAll(api.in.Body)
	require.NoError(t, err)
	require.Equal(t, pngHeader, body)

	b.PublicBaseURL = "https://cdn.example.com"
	url, err = b.Put(context.Background(), DefaultBucket, "alice/2_attachment.png", pngHeader, "image/png")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/message-attachments/alice/2_attachment.png", url)
}

func TestS3Backend_Errors(t *testing.T) {
	_, err := NewS3Backend(nil, "", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")

	b, err := NewS3Backend(&fakeS3{err: errors.New("boom")}, "", "")
	require.NoError(t, err)
	_, err = b.Put(context.Background(), DefaultBucket, "k.png", pngHeader, "image/png")
	require.ErrorContains(t, err, "boom")
}
