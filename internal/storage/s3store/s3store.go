// Пакет s3store — бэкенд хранения объектов в S3-совместимом хранилище.
// Байты никогда не проксируются через сервис: скачивание идёт по
// presigned URL.
package s3store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/backend"
)

// KeyPrefix — пространство имён объектов сервиса в бакете.
const KeyPrefix = "shareit/"

// partSize ограничивает память на одну потоковую загрузку неизвестного размера.
const partSize = 16 << 20

// ErrMisconfigured — не хватает параметров подключения.
var ErrMisconfigured = errors.New("удалённое хранилище не сконфигурировано")

// Options — параметры подключения.
type Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Store — S3-бэкенд.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New создаёт клиента. Сеть не используется: регион задан явно,
// поэтому presign вычисляется локально.
func New(opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, ErrMisconfigured
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("создание S3-клиента: %w", err)
	}

	return &Store{
		client: client,
		bucket: opts.Bucket,
		logger: logger.With(slog.String("component", "s3store")),
	}, nil
}

// EnsureBucket проверяет доступность бакета и создаёт его при отсутствии.
// Вызывается при старте: ошибка здесь — фатальная ошибка конфигурации.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("проверка бакета %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("создание бакета %s: %w", s.bucket, err)
	}
	s.logger.Info("Бакет создан", slog.String("bucket", s.bucket))
	return nil
}

// Endpoint возвращает URL endpoint-а хранилища.
func (s *Store) Endpoint() *url.URL {
	return s.client.EndpointURL()
}

// Kind реализует backend.Backend.
func (s *Store) Kind() model.BackendKind {
	return model.BackendRemote
}

// Put потоково загружает объект под ключом shareit/{id}{ext}.
func (s *Store) Put(ctx context.Context, id, filename, contentType string, r io.Reader) (backend.PutResult, error) {
	key := KeyPrefix + backend.ObjectName(id, filename)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(r, hasher)}

	_, err := s.client.PutObject(ctx, s.bucket, key, counter, -1, minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    partSize,
	})
	if err != nil {
		return backend.PutResult{}, fmt.Errorf("загрузка объекта %s: %w", key, err)
	}

	return backend.PutResult{
		Location: Location(s.bucket, key),
		Size:     counter.n,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// OpenRead не поддерживается: удалённые объекты отдаются по presigned URL.
func (s *Store) OpenRead(context.Context, string) (io.ReadSeekCloser, error) {
	return nil, backend.ErrNotSupported
}

// Presign возвращает подписанный GET URL, ответ которого содержит
// Content-Disposition с исходным именем файла.
func (s *Store) Presign(ctx context.Context, location, filename string, ttl time.Duration) (string, error) {
	bucket, key, err := s.parse(location)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("response-content-disposition", backend.ContentDisposition(filename))

	u, err := s.client.PresignedGetObject(ctx, bucket, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", location, err)
	}
	return u.String(), nil
}

// Delete удаляет объект. Удаление отсутствующего ключа в S3 успешно.
func (s *Store) Delete(ctx context.Context, location string) error {
	bucket, key, err := s.parse(location)
	if err != nil {
		return err
	}

	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("удаление объекта %s: %w", location, err)
	}
	return nil
}

// Stat возвращает размер и время изменения объекта.
func (s *Store) Stat(ctx context.Context, location string) (backend.ObjectInfo, error) {
	bucket, key, err := s.parse(location)
	if err != nil {
		return backend.ObjectInfo{}, err
	}

	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return backend.ObjectInfo{}, fmt.Errorf("%w: %s", backend.ErrObjectNotFound, location)
		}
		return backend.ObjectInfo{}, fmt.Errorf("stat %s: %w", location, err)
	}
	return backend.ObjectInfo{Location: location, Size: info.Size, ModTime: info.LastModified}, nil
}

// List перечисляет объекты сервиса в бакете.
func (s *Store) List(ctx context.Context) ([]backend.ObjectInfo, error) {
	var out []backend.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    KeyPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("список объектов %s: %w", s.bucket, obj.Err)
		}
		out = append(out, backend.ObjectInfo{
			Location: Location(s.bucket, obj.Key),
			Size:     obj.Size,
			ModTime:  obj.LastModified,
		})
	}
	return out, nil
}

// parse разбирает location и проверяет, что объект в бакете сервиса.
func (s *Store) parse(location string) (bucket, key string, err error) {
	bucket, key, err = ParseLocation(location)
	if err != nil {
		return "", "", err
	}
	if bucket != s.bucket {
		s.logger.Warn("Объект в чужом бакете",
			slog.String("location", location),
			slog.String("bucket", s.bucket),
		)
	}
	return bucket, key, nil
}

// Location формирует адрес объекта s3://bucket/key.
func Location(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// ParseLocation разбирает адрес s3://bucket/key.
func ParseLocation(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("некорректный адрес объекта %q", location)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("некорректный адрес объекта %q", location)
	}
	return bucket, key, nil
}

// isNotFound распознаёт ответ S3 об отсутствии ключа или бакета.
func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

// countingReader считает прочитанные байты.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var _ backend.Backend = (*Store)(nil)
