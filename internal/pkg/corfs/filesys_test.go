package corfs

import (
	"io/ioutil"
	"testing"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitFilesystem(t *testing.T) {
	fs, err := InitFilesystem(S3)
	assert.NoError(t, err)
	assert.IsType(t, &S3FileSystem{}, fs)

	fs, err = InitFilesystem(Local)
	assert.NoError(t, err)
	assert.IsType(t, &LocalFileSystem{}, fs)
}

func TestInferFilesystem(t *testing.T) {
	fs := InferFilesystem("s3://foo/bar.txt")
	assert.NotNil(t, fs)
	assert.IsType(t, &S3FileSystem{}, fs)

	fs = InferFilesystem("./bar.txt")
	assert.NotNil(t, fs)
	assert.IsType(t, &LocalFileSystem{}, fs)
}

func TestLocalFileSystem(t *testing.T) {
	fs := NewMemFileSystem()
	require.NoError(t, fs.Init())

	for _, name := range []string{"in/a.txt", "in/b.txt", "in/sub/c.txt", "out/x.bin"} {
		w, err := fs.OpenWriter(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("0123456789"))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	files, err := fs.ListFiles("in/*.txt")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{{Name: "in/a.txt", Size: 10}, {Name: "in/b.txt", Size: 10}}, files)

	files, err = fs.ListFiles("in")
	require.NoError(t, err)
	assert.Len(t, files, 3, "directories are listed recursively")

	info, err := fs.Stat("out/x.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 10, info.Size)

	r, err := fs.OpenReader("in/a.txt", 4)
	require.NoError(t, err)
	data, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(data))
	require.NoError(t, r.Close())

	require.NoError(t, fs.Delete("in/a.txt"))
	_, err = fs.Stat("in/a.txt")
	assert.Error(t, err)

	assert.Equal(t, "out/map-bin0-1", fs.Join("out", "map-bin0-1"))
}

func TestS3FileSystem_Join(t *testing.T) {
	s := &S3FileSystem{}
	tests := []struct {
		elem     []string
		expected string
	}{
		{[]string{"s3://bucket", "out", "file"}, "s3://bucket/out/file"},
		{[]string{"s3://bucket/", "/out/", "file"}, "s3://bucket/out/file"},
		{[]string{"s3://bucket/out", "dir/"}, "s3://bucket/out/dir/"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, s.Join(test.elem...))
	}
}

func TestS3FileSystem_Parse(t *testing.T) {
	parsed, err := (&S3FileSystem{}).parse("s3://bucket/some/key.txt")
	require.NoError(t, err)
	assert.Equal(t, "bucket", parsed.Hostname())
	assert.Equal(t, "some/key.txt", parsed.Path)

	_, err = (&S3FileSystem{}).parse("minio://bucket/key")
	assert.Error(t, err)

	_, err = NewMinioFileSystem().parse("minio://bucket/key")
	assert.NoError(t, err)
}

func TestGlobPrefix(t *testing.T) {
	assert.Equal(t, "out/map-bin1-", globPrefix("out/map-bin1-*"))
	assert.Equal(t, "in/", globPrefix("in/?.txt"))
	assert.Equal(t, "in/file.txt", globPrefix("in/file.txt"))
}

func TestPrefixEnvProvider(t *testing.T) {
	t.Setenv("PIPECORRAL_AWS_ACCESS_KEY_ID", "")
	t.Setenv("PIPECORRAL_MINIO_USER", "user")
	t.Setenv("PIPECORRAL_MINIO_KEY", "secret")

	p := &PrefixEnvProvider{prefix: "PIPECORRAL_", extraKeys: map[string]string{"id": "MINIO_USER", "secret": "MINIO_KEY"}}
	assert.True(t, p.IsExpired())

	v, err := p.Retrieve()
	require.NoError(t, err)
	assert.Equal(t, "user", v.AccessKeyID)
	assert.Equal(t, "secret", v.SecretAccessKey)
	assert.False(t, p.IsExpired())

	_, err = (&PrefixEnvProvider{prefix: "__PIPECORRAL_TEST_"}).Retrieve()
	assert.Equal(t, credentials.ErrAccessKeyIDNotFound, err)
}
