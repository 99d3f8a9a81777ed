package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/basekick-labs/schemaless/internal/config"
	"github.com/rs/zerolog"
)

// AzureBlobBackend stores segments as block blobs in one container
type AzureBlobBackend struct {
	container *container.Client
	name      string
	prefix    string
	logger    zerolog.Logger
}

// NewAzureBlobBackend authenticates with, in order of preference, a
// connection string, a SAS token, a shared key or a managed identity.
func NewAzureBlobBackend(ctx context.Context, cfg *config.AzureConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("Azure container name is required")
	}
	log := logger.With().Str("component", "azure-storage").Str("container", cfg.Container).Logger()

	client, method, err := newAzureClient(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("auth", method).Msg("Created Azure Blob Storage client")

	b := &AzureBlobBackend{
		container: client.ServiceClient().NewContainerClient(cfg.Container),
		name:      cfg.Container,
		prefix:    cfg.Prefix,
		logger:    log,
	}

	propsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := b.container.GetProperties(propsCtx, nil); err != nil {
		log.Warn().Err(err).Msg("Could not verify container exists (may need to create it)")
	}

	return b, nil
}

func newAzureClient(cfg *config.AzureConfig) (*azblob.Client, string, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	switch {
	case cfg.ConnectionString != "":
		c, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client from connection string: %w", err)
		}
		return c, "connection_string", nil

	case cfg.AccountName != "" && cfg.SASToken != "":
		serviceURL := endpoint + "?" + strings.TrimPrefix(cfg.SASToken, "?")
		c, err := azblob.NewClientWithNoCredential(serviceURL, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with SAS token: %w", err)
		}
		return c, "sas_token", nil

	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create shared key credential: %w", err)
		}
		c, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with shared key: %w", err)
		}
		return c, "shared_key", nil

	case cfg.UseManagedIdentity && cfg.AccountName != "":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create managed identity credential: %w", err)
		}
		c, err := azblob.NewClient(endpoint, cred, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with managed identity: %w", err)
		}
		return c, "managed_identity", nil

	default:
		return nil, "", fmt.Errorf("no Azure authentication configured: set connection_string, account_name with account_key or sas_token, or use_managed_identity")
	}
}

func (b *AzureBlobBackend) Write(ctx context.Context, path string, data []byte) error {
	start := time.Now()
	key := objectKey(b.prefix, path)
	ct := contentType(path)

	_, err := b.container.NewBlockBlobClient(key).UploadStream(ctx, bytes.NewReader(data), &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return fmt.Errorf("failed to write %s to Azure Blob Storage: %w", key, err)
	}

	b.logger.Debug().
		Str("key", key).
		Int("size", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Wrote segment")
	return nil
}

func (b *AzureBlobBackend) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := b.container.NewBlobClient(objectKey(b.prefix, path)).DownloadStream(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read from Azure Blob Storage: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Azure blob body: %w", err)
	}
	return data, nil
}

func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	key := objectKey(b.prefix, prefix)
	pager := b.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &key})

	var out []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list Azure blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				out = append(out, trimKey(b.prefix, *item.Name))
			}
		}
	}
	return out, nil
}

func (b *AzureBlobBackend) Delete(ctx context.Context, path string) error {
	_, err := b.container.NewBlobClient(objectKey(b.prefix, path)).Delete(ctx, nil)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("failed to delete from Azure Blob Storage: %w", err)
	}
	return nil
}

func (b *AzureBlobBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.container.NewBlobClient(objectKey(b.prefix, path)).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if isAzureNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check Azure blob existence: %w", err)
}

func (b *AzureBlobBackend) Close() error { return nil }

func (b *AzureBlobBackend) Type() string { return "azure" }

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "BlobNotFound")
}
