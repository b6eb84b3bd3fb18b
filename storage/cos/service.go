//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package cos provides a Tencent Cloud Object Storage (COS)
// implementation of the storage service.
//
// Object layout:
//   - File records:      workspaces/{workspace_id}/files/{path}
//   - Workspace snapshot: workspaces/{workspace_id}/snapshot.json
//
// Authentication:
// The service requires COS credentials which can be provided via:
// - Environment variables: COS_SECRETID and COS_SECRETKEY (recommended)
// - Option functions: WithSecretID() and WithSecretKey()
//
// Example:
//
//	service := cos.NewService("https://bucket.cos.region.myqcloud.com")
package cos

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tencentyun/cos-go-sdk-v5"

	"trpc.group/trpc-go/trpc-pyspace-go/storage"
)

const defaultTimeout = 60 * time.Second

// Service is a Tencent Cloud Object Storage implementation of the
// storage service.
type Service struct {
	cosClient *cos.Client
}

var _ storage.Service = (*Service)(nil)

// NewService creates a new COS storage service with optional
// configurations.
//
// Credentials can be provided in multiple ways:
// 1. Set environment variables COS_SECRETID and COS_SECRETKEY (recommended)
// 2. Use WithSecretID() and WithSecretKey() options
// 3. Use WithClient() to provide a pre-configured COS client directly
func NewService(bucketURL string, opts ...Option) *Service {
	options := &options{
		timeout:   defaultTimeout,
		secretID:  os.Getenv("COS_SECRETID"),
		secretKey: os.Getenv("COS_SECRETKEY"),
	}
	for _, opt := range opts {
		opt(options)
	}

	if options.cosClient != nil {
		return &Service{cosClient: options.cosClient}
	}

	u, _ := url.Parse(bucketURL)
	b := &cos.BaseURL{BucketURL: u}

	var httpClient *http.Client
	if options.httpClient != nil {
		httpClient = options.httpClient
		if options.timeout > 0 {
			httpClient.Timeout = options.timeout
		}
	} else {
		httpClient = &http.Client{
			Timeout: options.timeout,
			Transport: &cos.AuthorizationTransport{
				SecretID:  options.secretID,
				SecretKey: options.secretKey,
			},
		}
	}

	return &Service{cosClient: cos.NewClient(b, httpClient)}
}

// ListFiles returns the full file manifest for a workspace.
func (s *Service) ListFiles(ctx context.Context, workspaceID string) ([]storage.FileRecord, error) {
	prefix := filePrefix(workspaceID)
	var records []storage.FileRecord

	marker := ""
	for {
		result, _, err := s.cosClient.Bucket.Get(ctx, &cos.BucketGetOptions{
			Prefix: prefix,
			Marker: marker,
		})
		if err != nil {
			if cos.IsNotFoundError(err) {
				return records, nil
			}
			return nil, fmt.Errorf("failed to list workspace files: %w", err)
		}
		for _, obj := range result.Contents {
			path := strings.TrimPrefix(obj.Key, prefix)
			if path == "" {
				continue
			}
			content, err := s.getObject(ctx, obj.Key)
			if err != nil {
				return nil, err
			}
			updated, _ := time.Parse(time.RFC3339, obj.LastModified)
			records = append(records, storage.FileRecord{
				Path:      path,
				Content:   content,
				UpdatedAt: updated,
			})
		}
		if !result.IsTruncated {
			break
		}
		marker = result.NextMarker
	}
	return records, nil
}

// PutFile creates or updates one file record.
func (s *Service) PutFile(ctx context.Context, workspaceID, path string, content []byte) error {
	objectName := fileObjectName(workspaceID, path)
	_, err := s.cosClient.Object.Put(ctx, objectName, strings.NewReader(string(content)), nil)
	if err != nil {
		return fmt.Errorf("failed to upload file record: %w", err)
	}
	return nil
}

// DeleteFile removes one file record. Missing records are ignored.
func (s *Service) DeleteFile(ctx context.Context, workspaceID, path string) error {
	objectName := fileObjectName(workspaceID, path)
	_, err := s.cosClient.Object.Delete(ctx, objectName)
	if err != nil && !cos.IsNotFoundError(err) {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	return nil
}

// SaveSnapshot stores the snapshot blob, replacing any previous one.
func (s *Service) SaveSnapshot(ctx context.Context, workspaceID, blob string) error {
	objectName := snapshotObjectName(workspaceID)
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: "application/json",
		},
	}
	_, err := s.cosClient.Object.Put(ctx, objectName, strings.NewReader(blob), opt)
	if err != nil {
		return fmt.Errorf("failed to upload snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the last saved snapshot blob.
func (s *Service) LoadSnapshot(ctx context.Context, workspaceID string) (string, error) {
	objectName := snapshotObjectName(workspaceID)
	resp, err := s.cosClient.Object.Get(ctx, objectName, nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return "", storage.ErrSnapshotNotFound
		}
		return "", fmt.Errorf("failed to download snapshot: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read snapshot: %w", err)
	}
	return string(data), nil
}

func (s *Service) getObject(ctx context.Context, objectName string) ([]byte, error) {
	resp, err := s.cosClient.Object.Get(ctx, objectName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download file record: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func filePrefix(workspaceID string) string {
	return fmt.Sprintf("workspaces/%s/files/", workspaceID)
}

func fileObjectName(workspaceID, path string) string {
	return filePrefix(workspaceID) + path
}

func snapshotObjectName(workspaceID string) string {
	return fmt.Sprintf("workspaces/%s/snapshot.json", workspaceID)
}
