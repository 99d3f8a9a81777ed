package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/basekick-labs/schemaless/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsS3NotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", fmt.Errorf("get: %w", &types.NoSuchKey{}), true},
		{"head 404", &types.NotFound{}, true},
		{"bare status", errors.New("operation error S3: HeadObject, https response error StatusCode: 404"), true},
		{"access denied", errors.New("AccessDenied"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isS3NotFound(tt.err))
		})
	}
}

func TestIsAzureNotFound(t *testing.T) {
	assert.True(t, isAzureNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}))
	assert.False(t, isAzureNotFound(&azcore.ResponseError{StatusCode: http.StatusForbidden}))
	assert.True(t, isAzureNotFound(errors.New("RESPONSE 404: BlobNotFound")))
	assert.False(t, isAzureNotFound(errors.New("connection reset")))
}

func TestNewAzureClient(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.AzureConfig
		wantMethod string
		wantErr    bool
	}{
		{
			name:       "sas token",
			cfg:        config.AzureConfig{AccountName: "acct", SASToken: "?sv=2022&sig=abc"},
			wantMethod: "sas_token",
		},
		{
			name:       "shared key",
			cfg:        config.AzureConfig{AccountName: "acct", AccountKey: "c2VjcmV0"},
			wantMethod: "shared_key",
		},
		{
			name:    "nothing configured",
			cfg:     config.AzureConfig{Container: "sml"},
			wantErr: true,
		},
		{
			name:    "managed identity needs account",
			cfg:     config.AzureConfig{UseManagedIdentity: true},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, method, err := newAzureClient(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
			assert.Equal(t, tt.wantMethod, method)
		})
	}
}

func TestNewAzureBlobBackend_RequiresContainer(t *testing.T) {
	_, err := NewAzureBlobBackend(context.Background(), &config.AzureConfig{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container")
}
