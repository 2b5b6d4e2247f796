package corfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	lru "github.com/hashicorp/golang-lru"
	"github.com/mattetti/filebuffer"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	readChunkSize = 20 * 1024 * 1024 // 20 Mb chunk size
	// S3 rejects multipart parts smaller than 5Mb (except the last one)
	minPartSize = 5 * 1024 * 1024
)

// S3FileSystem abstracts AWS S3 (or an S3 compatible store such as MinIO) as a filesystem
type S3FileSystem struct {
	scheme      string
	endpoint    string
	s3Client    *s3.S3
	objectCache *lru.Cache
}

// NewMinioFileSystem returns a S3FileSystem for minio:// locations. The endpoint is
// read from MINIO_HOST, __OW_MINIO_HOST or the minioHost setting.
func NewMinioFileSystem() *S3FileSystem {
	return &S3FileSystem{scheme: "minio"}
}

func (s *S3FileSystem) schemeName() string {
	if s.scheme == "" {
		return "s3"
	}
	return s.scheme
}

func (s *S3FileSystem) parse(uri string) (*url.URL, error) {
	return parseURIWithMap(uri, map[string]bool{s.schemeName(): true})
}

// ListFiles lists files that match pathGlob.
func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	files := make([]FileInfo, 0)

	parsed, err := s.parse(pathGlob)
	if err != nil {
		return nil, err
	}

	var dirGlob string
	if !strings.HasSuffix(pathGlob, "/") {
		dirGlob = pathGlob + "/*"
	} else {
		dirGlob = pathGlob + "*"
	}

	params := &s3.ListObjectsInput{
		Bucket: aws.String(parsed.Hostname()),
		Prefix: aws.String(globPrefix(parsed.Path)),
	}

	objectPrefix := fmt.Sprintf("%s://%s/", parsed.Scheme, parsed.Hostname())
	err = s.s3Client.ListObjectsPages(params,
		func(page *s3.ListObjectsOutput, _ bool) bool {
			for _, object := range page.Contents {
				fullPath := objectPrefix + *object.Key

				dirMatch, _ := filepath.Match(dirGlob, fullPath)
				pathMatch, _ := filepath.Match(pathGlob, fullPath)
				if !(dirMatch || pathMatch) {
					continue
				}

				files = append(files, FileInfo{
					Name: fullPath,
					Size: *object.Size,
				})
				s.objectCache.Add(fullPath, object)
			}
			return true
		})

	return files, err
}

// OpenReader opens a reader to the file at filePath. The reader
// is initially seeked to "startAt" bytes into the file.
func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	parsed, err := s.parse(filePath)
	if err != nil {
		return nil, err
	}

	objStat, err := s.Stat(filePath)
	if err != nil {
		return nil, err
	}

	reader := &s3Reader{
		client:    s.s3Client,
		bucket:    parsed.Hostname(),
		key:       parsed.Path,
		offset:    startAt,
		chunkSize: readChunkSize,
		totalSize: objStat.Size,
	}
	if startAt >= objStat.Size {
		return reader, nil
	}
	return reader, reader.loadNextChunk()
}

// OpenWriter opens a writer to the file at filePath.
func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	parsed, err := s.parse(filePath)
	if err != nil {
		return nil, err
	}

	writer := &s3Writer{
		client: s.s3Client,
		bucket: parsed.Hostname(),
		key:    parsed.Path,
		buf:    filebuffer.New(nil),
	}
	return writer, writer.Init()
}

// Stat returns information about the file at filePath.
func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	if object, exists := s.objectCache.Get(filePath); exists {
		return FileInfo{
			Name: filePath,
			Size: *object.(*s3.Object).Size,
		}, nil
	}

	parsed, err := s.parse(filePath)
	if err != nil {
		return FileInfo{}, err
	}

	params := &s3.ListObjectsInput{
		Bucket: aws.String(parsed.Hostname()),
		Prefix: aws.String(parsed.Path),
	}
	result, err := s.s3Client.ListObjects(params)
	if err != nil {
		return FileInfo{}, err
	}

	for _, object := range result.Contents {
		if *object.Key == parsed.Path {
			s.objectCache.Add(filePath, object)
			return FileInfo{
				Name: filePath,
				Size: *object.Size,
			}, nil
		}
	}

	return FileInfo{}, errors.New("no file with given filename")
}

// Init initializes the filesystem.
func (s *S3FileSystem) Init() error {
	os.Setenv("AWS_SDK_LOAD_CONFIG", "true")

	region := viper.GetString("s3Region")
	if region == "" {
		region = "us-east-1"
	}
	s3Config := &aws.Config{Region: aws.String(region)}

	if s.schemeName() == "minio" {
		if host := os.Getenv("MINIO_HOST"); host != "" {
			s.endpoint = host
		} else if host := os.Getenv("__OW_MINIO_HOST"); host != "" {
			s.endpoint = host
		} else {
			s.endpoint = viper.GetString("minioHost")
		}
		if s.endpoint == "" {
			return fmt.Errorf("no minio endpoint configured, set MINIO_HOST or minioHost")
		}

		s3Config.Credentials = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvProvider{},
			&PrefixEnvProvider{
				prefix: "PIPECORRAL_",
				extraKeys: map[string]string{
					"id":     "MINIO_USER",
					"secret": "MINIO_KEY",
				},
			},
			&credentials.StaticProvider{
				Value: credentials.Value{
					AccessKeyID:     viper.GetString("minioUser"),
					SecretAccessKey: viper.GetString("minioKey"),
				},
			},
		})
		s3Config.Endpoint = aws.String(s.endpoint)
		s3Config.DisableSSL = aws.Bool(true)
		s3Config.S3ForcePathStyle = aws.Bool(true)
	} else if endpoint := viper.GetString("s3Endpoint"); endpoint != "" {
		s.endpoint = endpoint
		s3Config.Endpoint = aws.String(endpoint)
		s3Config.S3ForcePathStyle = aws.Bool(true)
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		s3Config.WithCredentialsChainVerboseErrors(true)
	}

	newSession, err := session.NewSession(s3Config)
	if err != nil {
		return err
	}
	s.s3Client = s3.New(newSession)

	s.objectCache, err = lru.New(10000)
	return err
}

// Delete deletes the file at filePath.
func (s *S3FileSystem) Delete(filePath string) error {
	parsed, err := s.parse(filePath)
	if err != nil {
		return err
	}

	params := &s3.DeleteObjectInput{
		Bucket: aws.String(parsed.Hostname()),
		Key:    aws.String(parsed.Path),
	}
	_, err = s.s3Client.DeleteObject(params)
	s.objectCache.Remove(filePath)
	return err
}

// Join joins file path elements
func (s *S3FileSystem) Join(elem ...string) string {
	stripped := make([]string, len(elem))
	for i, str := range elem {
		if i != 0 {
			str = strings.TrimPrefix(str, "/")
		}
		if i != len(elem)-1 {
			str = strings.TrimSuffix(str, "/")
		}
		stripped[i] = str
	}
	return strings.Join(stripped, "/")
}

// s3Reader reads an object in ranged chunks.
type s3Reader struct {
	client    *s3.S3
	bucket    string
	key       string
	offset    int64
	chunkSize int64
	totalSize int64
	chunk     io.ReadCloser
}

func (r *s3Reader) loadNextChunk() error {
	if r.chunk != nil {
		r.chunk.Close()
		r.chunk = nil
	}
	if r.offset >= r.totalSize {
		return nil
	}

	end := min64(r.offset+r.chunkSize, r.totalSize) - 1
	out, err := r.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", r.offset, end)),
	})
	if err != nil {
		return err
	}
	r.chunk = out.Body
	r.offset = end + 1
	return nil
}

func (r *s3Reader) Read(p []byte) (int, error) {
	for {
		if r.chunk == nil {
			return 0, io.EOF
		}
		n, err := r.chunk.Read(p)
		if err != io.EOF {
			return n, err
		}
		if err := r.loadNextChunk(); err != nil {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (r *s3Reader) Close() error {
	if r.chunk != nil {
		return r.chunk.Close()
	}
	return nil
}

// s3Writer uploads an object as a multipart upload, buffering parts in memory.
type s3Writer struct {
	client         *s3.S3
	bucket         string
	key            string
	buf            *filebuffer.Buffer
	uploadID       string
	completedParts []*s3.CompletedPart
}

func (w *s3Writer) Init() error {
	out, err := w.client.CreateMultipartUpload(&s3.CreateMultipartUploadInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
	})
	if err != nil {
		return err
	}
	w.uploadID = *out.UploadId
	return nil
}

func (w *s3Writer) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if err != nil {
		return n, err
	}
	if w.buf.Buff.Len() >= minPartSize {
		return n, w.uploadPart()
	}
	return n, nil
}

func (w *s3Writer) uploadPart() error {
	partNumber := int64(len(w.completedParts) + 1)
	out, err := w.client.UploadPart(&s3.UploadPartInput{
		Bucket:     aws.String(w.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int64(partNumber),
		Body:       bytes.NewReader(w.buf.Buff.Bytes()),
	})
	if err != nil {
		return err
	}

	w.completedParts = append(w.completedParts, &s3.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int64(partNumber),
	})
	w.buf = filebuffer.New(nil)
	return nil
}

func (w *s3Writer) Close() error {
	if w.buf.Buff.Len() > 0 || len(w.completedParts) == 0 {
		if err := w.uploadPart(); err != nil {
			w.abort()
			return err
		}
	}

	_, err := w.client.CompleteMultipartUpload(&s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.bucket),
		Key:             aws.String(w.key),
		UploadId:        aws.String(w.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: w.completedParts},
	})
	if err != nil {
		w.abort()
	}
	return err
}

func (w *s3Writer) abort() {
	_, err := w.client.AbortMultipartUpload(&s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		log.Warnf("failed to abort upload of s3://%s/%s: %s", w.bucket, w.key, err)
	}
}
