package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lectern/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "golang.org/x/image/webp"
)

func TestLocalStorage_PutDelete(t *testing.T) {
	dir := t.TempDir()
	st, err := NewLocalStorage(dir, "http://cdn.test/uploads/")
	require.NoError(t, err)
	ctx := context.Background()

	url, err := st.Put(ctx, "messages/c1/abc/notes.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.test/uploads/messages/c1/abc/notes.txt", url)

	data, err := os.ReadFile(filepath.Join(dir, "messages", "c1", "abc", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, st.Delete(ctx, "messages/c1/abc/notes.txt"))
	require.NoError(t, st.Delete(ctx, "messages/c1/abc/notes.txt"))
	require.NoError(t, st.Health(ctx))
}

func TestLocalStorage_KeyStaysInsideRoot(t *testing.T) {
	dir := t.TempDir()
	st, err := NewLocalStorage(dir, "")
	require.NoError(t, err)

	_, err = st.Put(context.Background(), "../../escape.txt", strings.NewReader("x"), 1, "text/plain")
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "escape.txt"))
	assert.NoError(t, statErr)
}

func TestS3Storage_URL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "aws",
			cfg:  config.Config{S3Bucket: "b", S3Region: "eu-west-1"},
			want: "https://b.s3.eu-west-1.amazonaws.com/k/x.png",
		},
		{
			name: "custom endpoint",
			cfg:  config.Config{S3Bucket: "b", S3Region: "us-east-1", S3Endpoint: "http://minio:9000/"},
			want: "http://minio:9000/b/k/x.png",
		},
		{
			name: "public base",
			cfg:  config.Config{S3Bucket: "b", S3Region: "us-east-1", StoragePublicBaseURL: "https://files.example.com"},
			want: "https://files.example.com/k/x.png",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := NewS3Storage(context.Background(), &tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.URL("k/x.png"))
		})
	}
}

func TestS3Storage_DisabledWithoutBucket(t *testing.T) {
	st, err := NewS3Storage(context.Background(), &config.Config{})
	require.NoError(t, err)
	_, err = st.Put(context.Background(), "k", strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, errStorageDisabled)
	assert.Error(t, st.Health(context.Background()))
}

func TestThumbnail(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1000, 500))
	for x := 0; x < 1000; x++ {
		for y := 0; y < 500; y++ {
			src.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	out, err := Thumbnail(buf.Bytes())
	require.NoError(t, err)

	decoded, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "webp", format)
	assert.Equal(t, ThumbnailMaxSize, decoded.Bounds().Dx())
	assert.Equal(t, ThumbnailMaxSize/2, decoded.Bounds().Dy())

	_, err = Thumbnail([]byte("not an image"))
	assert.Error(t, err)
}

// pngHeader returns a PNG signature and IHDR chunk declaring w x h, which
// is all image.DecodeConfig reads.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8], ihdr[9] = 8, 6

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestThumbnail_RejectsHugeDimensions(t *testing.T) {
	_, err := Thumbnail(pngHeader(20000, 20000))
	assert.ErrorIs(t, err, ErrImageTooLarge)
}
