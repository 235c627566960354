package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"delegate-server/internal/config"
	"delegate-server/internal/domain"
)

var _ domain.InputStorage = (*Azure)(nil)

// azureBlobs is the subset of container operations used here. Uploads are
// staged as blocks and only committed once the body was read completely.
type azureBlobs interface {
	upload(ctx context.Context, blob string, r io.Reader) error
	download(ctx context.Context, blob string) (io.ReadCloser, error)
	properties(ctx context.Context, blob string) error
}

type containerBlobs struct {
	client    *azblob.Client
	container string
}

func (c containerBlobs) upload(ctx context.Context, blob string, r io.Reader) error {
	_, err := c.client.UploadStream(ctx, c.container, blob, r, nil)
	return err
}

func (c containerBlobs) download(ctx context.Context, blob string) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, c.container, blob, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c containerBlobs) properties(ctx context.Context, blob string) error {
	_, err := c.client.ServiceClient().NewContainerClient(c.container).NewBlobClient(blob).GetProperties(ctx, nil)
	return err
}

// Azure stores inputs in an Azure Blob Storage container.
type Azure struct {
	blobs azureBlobs
}

// NewAzure creates an Azure storage authenticated with an account key.
func NewAzure(cfg config.StorageConfig) (*Azure, error) {
	if cfg.AzureAccountName == "" || cfg.AzureAccountKey == "" || cfg.AzureContainer == "" {
		return nil, fmt.Errorf("Azure storage config is incomplete")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccountName, cfg.AzureAccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AzureAccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &Azure{blobs: containerBlobs{client: client, container: cfg.AzureContainer}}, nil
}

// Put uploads r as a block blob.
func (a *Azure) Put(ctx context.Context, jobID, name string, r io.Reader) error {
	if err := validateName(jobID, name); err != nil {
		return err
	}
	if err := a.blobs.upload(ctx, objectKey(jobID, name), r); err != nil {
		return fmt.Errorf("upload %s for job %s: %w", name, jobID, err)
	}
	return nil
}

// Get downloads the stored input.
func (a *Azure) Get(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	if err := validateName(jobID, name); err != nil {
		return nil, err
	}
	body, err := a.blobs.download(ctx, objectKey(jobID, name))
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, domain.ErrNotFound("input %s not found for job %s", name, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s for job %s: %w", name, jobID, err)
	}
	return body, nil
}

// Exists reports whether the input was stored.
func (a *Azure) Exists(ctx context.Context, jobID, name string) (bool, error) {
	if err := validateName(jobID, name); err != nil {
		return false, err
	}
	err := a.blobs.properties(ctx, objectKey(jobID, name))
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s for job %s: %w", name, jobID, err)
	}
	return true, nil
}
