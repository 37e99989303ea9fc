package domain

import "context"

// StorageObject is a local file and the name it is stored under, relative
// to the backend's prefix. Name uses forward slashes.
type StorageObject struct {
	Path string
	Name string
}

// StorageClient relocates extracted files to a storage backend and removes
// temporary objects from it.
type StorageClient interface {
	Upload(ctx context.Context, objects []StorageObject) error
	Cleanup(ctx context.Context, prefix string) error
}
