//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

package pypkg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// IndexEntry is one candidate match from the package index.
type IndexEntry struct {
	Name    string
	Version string
	Summary string
}

type projectResponse struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Summary string `json:"summary"`
	} `json:"info"`
}

// Search queries the package index for a project name and returns
// candidate matches without installing anything. The JSON project API
// resolves names exactly (pip's own normalization applies server
// side); an unknown name yields an empty result, not an error.
func (m *Manager) Search(ctx context.Context, query string) ([]IndexEntry, error) {
	if query == "" {
		return nil, fmt.Errorf("pypkg: empty search query")
	}
	u := fmt.Sprintf("%s/pypi/%s/json", m.indexURL, url.PathEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pypkg: index query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return []IndexEntry{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pypkg: index query failed: %s", resp.Status)
	}

	var project projectResponse
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return nil, fmt.Errorf("pypkg: malformed index response: %w", err)
	}
	return []IndexEntry{{
		Name:    project.Info.Name,
		Version: project.Info.Version,
		Summary: project.Info.Summary,
	}}, nil
}
