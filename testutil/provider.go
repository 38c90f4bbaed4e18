package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/williamwinkler/openai-batch-manager-sub003/provider/openai"
)

// FakeProvider is an in-memory stand-in for the provider batch API. Each
// remote operation can be scripted to fail; DownloadFile writes the content
// registered for the file id.
type FakeProvider struct {
	mu sync.Mutex

	// FileContent maps provider file ids to the JSONL bytes DownloadFile
	// writes out.
	FileContent map[string][]byte
	// Statuses is consumed left to right by CheckStatus; the last entry
	// repeats once the queue is drained.
	Statuses []openai.BatchObject

	UploadErr   error
	CreateErr   error
	StatusErr   error
	DownloadErr error

	Uploads      []string
	Creates      []string
	Cancels      []string
	DeletedFiles []string

	nextFileID  int
	nextBatchID int
}

// NewFakeProvider returns an empty fake.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{FileContent: make(map[string][]byte)}
}

// SetStatuses replaces the scripted status sequence.
func (f *FakeProvider) SetStatuses(statuses ...openai.BatchObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Statuses = statuses
}

// UploadFile records the path and mints a file id.
func (f *FakeProvider) UploadFile(_ context.Context, path string) (*openai.FileObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return nil, f.UploadErr
	}
	f.nextFileID++
	id := fmt.Sprintf("file-%d", f.nextFileID)
	f.Uploads = append(f.Uploads, path)
	return &openai.FileObject{ID: id, Filename: path, Purpose: "batch"}, nil
}

// CreateBatch records the input file and mints a provider batch id.
func (f *FakeProvider) CreateBatch(_ context.Context, inputFileID, endpoint, completionWindow string) (*openai.BatchObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.nextBatchID++
	id := fmt.Sprintf("batch-%d", f.nextBatchID)
	f.Creates = append(f.Creates, inputFileID)
	return &openai.BatchObject{
		ID:               id,
		Endpoint:         endpoint,
		InputFileID:      inputFileID,
		CompletionWindow: completionWindow,
		Status:           openai.BatchStatusValidating,
	}, nil
}

// CheckStatus pops the next scripted status.
func (f *FakeProvider) CheckStatus(_ context.Context, providerBatchID string) (*openai.BatchObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	if len(f.Statuses) == 0 {
		return &openai.BatchObject{ID: providerBatchID, Status: openai.BatchStatusInProgress}, nil
	}
	st := f.Statuses[0]
	if len(f.Statuses) > 1 {
		f.Statuses = f.Statuses[1:]
	}
	st.ID = providerBatchID
	return &st, nil
}

// CancelBatch records the cancellation.
func (f *FakeProvider) CancelBatch(_ context.Context, providerBatchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancels = append(f.Cancels, providerBatchID)
	return nil
}

// DownloadFile writes the registered content for fileID to destPath.
func (f *FakeProvider) DownloadFile(_ context.Context, fileID, destPath string) (string, error) {
	f.mu.Lock()
	content, ok := f.FileContent[fileID]
	err := f.DownloadErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no content registered for file %q", fileID)
	}
	if werr := os.WriteFile(destPath, content, 0o644); werr != nil {
		return "", werr
	}
	return destPath, nil
}

// DeleteFile records the deletion.
func (f *FakeProvider) DeleteFile(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeletedFiles = append(f.DeletedFiles, fileID)
	return nil
}

// RetrieveFileMetadata returns a minimal file object.
func (f *FakeProvider) RetrieveFileMetadata(_ context.Context, fileID string) (*openai.FileObject, error) {
	return &openai.FileObject{ID: fileID}, nil
}
