package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutPath(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	p, err := l.Path("job-1", MaskName(2))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Root, "jobs", "job-1", "mask_2.pgm"), p)
	assert.DirExists(t, filepath.Dir(p))

	for _, id := range []string{"", "../x", "a/b", "."} {
		_, err := l.Path(id, "x")
		assert.ErrorIs(t, err, ErrBadJobID, id)
	}
	_, err = l.Path("job-1", "../escape")
	assert.Error(t, err)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b.txt")
	require.NoError(t, WriteFile(path, []byte("one")))
	require.NoError(t, WriteFile(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

type fakeUploader struct {
	inputs []*s3manager.UploadInput
	bodies []string
	err    error
}

func (f *fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), in, opts...)
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(b))
	return &s3manager.UploadOutput{Location: "https://example/" + aws.StringValue(in.Key)}, nil
}

func TestS3MirrorPut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job_multicolor.zip")
	require.NoError(t, os.WriteFile(path, []byte("zip"), 0o644))

	up := &fakeUploader{}
	m := NewS3MirrorWithUploader(up, "bucket", "/keychains/", nil)
	url, err := m.Put(context.Background(), "job", path)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/keychains/job/job_multicolor.zip", url)
	require.Len(t, up.inputs, 1)
	assert.Equal(t, "bucket", aws.StringValue(up.inputs[0].Bucket))
	assert.Equal(t, "application/zip", aws.StringValue(up.inputs[0].ContentType))
	assert.Equal(t, "zip", up.bodies[0])

	up.err = errors.New("denied")
	_, err = m.Put(context.Background(), "job", path)
	assert.ErrorContains(t, err, "denied")

	_, err = m.Put(context.Background(), "job", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestNewS3MirrorNeedsBucket(t *testing.T) {
	_, err := NewS3Mirror(S3Config{Enabled: true}, nil)
	assert.Error(t, err)
}

func TestNopMirror(t *testing.T) {
	p, err := NopMirror{}.Put(context.Background(), "j", "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", p)
}
