// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"cloud.google.com/go/storage"
)

// ErrObjectNotFound is returned by ObjectStore implementations for missing objects.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the slice of object storage the pipeline needs. Paths are
// object names inside the configured bucket.
type ObjectStore interface {
	Upload(ctx context.Context, path string, r io.Reader, contentType string) (int64, error)
	Download(ctx context.Context, path string, w io.Writer) (int64, error)
	Delete(ctx context.Context, path string) error
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// GCSObjectStore stores objects in one Cloud Storage bucket. Read URLs are V4
// signed through the IAM credentials API, so no private key has to be
// deployed with the service.
type GCSObjectStore struct {
	client      *storage.Client
	iam         *credentials.IamCredentialsClient
	bucket      string
	signerEmail string
}

func NewGCSObjectStore(client *storage.Client, iam *credentials.IamCredentialsClient, bucket, signerEmail string) *GCSObjectStore {
	return &GCSObjectStore{client: client, iam: iam, bucket: bucket, signerEmail: signerEmail}
}

// Upload streams r into path. The object is only committed when the writer
// closes cleanly.
func (s *GCSObjectStore) Upload(ctx context.Context, path string, r io.Reader, contentType string) (int64, error) {
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = contentType
	written, err := io.Copy(writer, r)
	if err != nil {
		_ = writer.Close()
		return written, fmt.Errorf("failed to upload gs://%s/%s after %d bytes: %w", s.bucket, path, written, err)
	}
	if err := writer.Close(); err != nil {
		return written, fmt.Errorf("failed to finalize gs://%s/%s: %w", s.bucket, path, err)
	}
	slog.DebugContext(ctx, "uploaded object", "bucket", s.bucket, "path", path, "bytes", written)
	return written, nil
}

func (s *GCSObjectStore) Download(ctx context.Context, path string, w io.Writer) (int64, error) {
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return 0, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, s.bucket, path)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create reader for gs://%s/%s: %w", s.bucket, path, err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			slog.Warn("failed to close GCS reader", "path", path, "error", err)
		}
	}()
	return io.Copy(w, reader)
}

func (s *GCSObjectStore) Delete(ctx context.Context, path string) error {
	err := s.client.Bucket(s.bucket).Object(path).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, s.bucket, path)
	}
	return err
}

// SignedURL returns a temporary GET URL for path.
func (s *GCSObjectStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	}
	if s.iam != nil && s.signerEmail != "" {
		opts.GoogleAccessID = s.signerEmail
		opts.SignBytes = func(payload []byte) ([]byte, error) {
			resp, err := s.iam.SignBlob(ctx, &credentialspb.SignBlobRequest{
				Name:    fmt.Sprintf("projects/-/serviceAccounts/%s", s.signerEmail),
				Payload: payload,
			})
			if err != nil {
				return nil, err
			}
			return resp.SignedBlob, nil
		}
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(path, opts)
	if err != nil {
		return "", fmt.Errorf("failed to sign gs://%s/%s: %w", s.bucket, path, err)
	}
	return u, nil
}

// URI is the gs:// form of path, used as a file reference for the generative model.
func (s *GCSObjectStore) URI(path string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, path)
}

// GetGCSObjectName is the context key of the object that triggered a workflow.
func GetGCSObjectName() string {
	return "__GCS__OBJ__"
}

// GCSPubSubNotification is the JSON payload of a Cloud Storage bucket notification.
type GCSPubSubNotification struct {
	Kind        string                 `json:"kind"`
	ID          string                 `json:"id"`
	SelfLink    string                 `json:"selfLink"`
	Name        string                 `json:"name"`
	Bucket      string                 `json:"bucket"`
	Generation  string                 `json:"generation"`
	ContentType string                 `json:"contentType"`
	TimeCreated string                 `json:"timeCreated"`
	Updated     string                 `json:"updated"`
	Size        string                 `json:"size"`
	MD5Hash     string                 `json:"md5Hash"`
	MediaLink   string                 `json:"mediaLink"`
	MetaData    map[string]interface{} `json:"metadata"`
	Crc32c      string                 `json:"crc32c"`
	ETag        string                 `json:"etag"`
}

// GCSObject identifies one stored object.
type GCSObject struct {
	Bucket   string
	Name     string
	MIMEType string
}
