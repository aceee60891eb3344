package media

import "errors"

var (
	// ErrObjectExists indicates a blob key is already taken. Keys are never overwritten.
	ErrObjectExists = errors.New("media object already exists")
	// ErrPathTraversal indicates a storage key attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
	// ErrAssetTooLarge indicates the download exceeds the size limit.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrFetchFailed indicates the remote server answered with an error status.
	ErrFetchFailed = errors.New("media fetch failed")
)
