//go:build integration

package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fedquery/fedquery/internal/storage"
)

func TestSourceFileRoundTripAgainstMinIO(t *testing.T) {
	endpoint := envOr("FEDQUERY_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("FEDQUERY_TEST_S3_ENDPOINT is not set")
	}

	cfg := Config{
		Endpoint:         endpoint,
		Region:           envOr("FEDQUERY_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("FEDQUERY_TEST_S3_BUCKET", "fedquery-it"),
		AccessKeyID:      envOr("FEDQUERY_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("FEDQUERY_TEST_S3_SECRET_KEY", "miniostorage"),
		UseSSL:           false,
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key, err := storage.BuildSourceObjectKey("tenant-1", "project-1", "events", "roundtrip.parquet")
	if err != nil {
		t.Fatalf("BuildSourceObjectKey() error = %v", err)
	}
	payload := []byte("fedquery-integration")

	info, err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{ContentType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("Put().Size = %d, want %d", info.Size, len(payload))
	}

	reader, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	readPayload, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("reader.Close() error = %v", err)
	}
	if !bytes.Equal(readPayload, payload) {
		t.Fatalf("Get() payload = %q, want %q", string(readPayload), string(payload))
	}

	if _, err := store.Get(ctx, "tenant-1/project-1/sources/events/never-uploaded.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() for absent object error = %v, want ErrObjectNotFound", err)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
