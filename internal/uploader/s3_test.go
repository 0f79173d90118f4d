package uploader

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		config bool
	}{
		{"access denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, true},
		{"bad key id", minio.ErrorResponse{Code: "InvalidAccessKeyId"}, true},
		{"bad signature", minio.ErrorResponse{Code: "SignatureDoesNotMatch"}, true},
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}, true},
		{"plain 403", minio.ErrorResponse{Code: "Blocked", StatusCode: http.StatusForbidden}, true},
		{"throttled", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}, false},
		{"server error", minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError}, false},
		{"network error", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			require.Error(t, got)
			require.Equal(t, tc.config, IsConfig(got), "IsConfig(%v)", got)
		})
	}
}

func TestNewS3StoreDefaultsEndpoint(t *testing.T) {
	s, err := NewS3Store(S3Config{
		Bucket:    "recordings",
		AccessKey: "AK",
		SecretKey: "SK",
		UseSSL:    true,
	})
	require.NoError(t, err)
	require.Equal(t, "s3.amazonaws.com", s.client.EndpointURL().Host)
}

func TestNewS3StoreCustomEndpoint(t *testing.T) {
	s, err := NewS3Store(S3Config{
		Endpoint:  "minio.local:9000",
		Bucket:    "recordings",
		AccessKey: "AK",
		SecretKey: "SK",
	})
	require.NoError(t, err)
	require.Equal(t, "minio.local:9000", s.client.EndpointURL().Host)
	require.Equal(t, "http", s.client.EndpointURL().Scheme)
}
