// Copyright 2022 The zonerelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package zones

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"gopkg.in/yaml.v3"
)

// CatalogSource fetches the raw zone records
type CatalogSource interface {
	// Fetch read the zone records from the source
	Fetch(ctxt context.Context) ([]ZoneDescriptor, error)
}

// LoadFromSource fetch the zone records from a source and build the catalog
func LoadFromSource(ctxt context.Context, source CatalogSource) (*Catalog, error) {
	raw, err := source.Fetch(ctxt)
	if err != nil {
		return nil, err
	}
	return Load(raw)
}

// ==============================================================================

// directorySource reads the zone list from the zone directory service
type directorySource struct {
	goutils.Component
	url    string
	client *http.Client
}

// GetDirectorySource define a CatalogSource reading from a zone directory service
//
// The service is expected to answer a GET on url with a JSON array of zone records.
func GetDirectorySource(url string, client *http.Client) (CatalogSource, error) {
	if url == "" {
		return nil, fmt.Errorf("zone directory URL not defined")
	}
	if client == nil {
		client = http.DefaultClient
	}
	logTags := log.Fields{
		"module": "zones", "component": "directory-source", "instance": url,
	}
	return &directorySource{
		Component: goutils.Component{LogTags: logTags}, url: url, client: client,
	}, nil
}

// Fetch read the zone records from the source
func (s *directorySource) Fetch(ctxt context.Context) ([]ZoneDescriptor, error) {
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, s.url, nil)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define request")
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Zone directory request failed")
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Failed to close response body")
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("zone directory responded with %d", resp.StatusCode)
		log.WithError(err).WithFields(s.LogTags).Error("Zone directory request failed")
		return nil, err
	}
	var records []ZoneDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to parse zone directory response")
		return nil, err
	}
	log.WithFields(s.LogTags).Infof("Fetched %d zones", len(records))
	return records, nil
}

// ==============================================================================

// catalogFile is the layout of a zone catalog YAML file
type catalogFile struct {
	Zones []ZoneDescriptor `yaml:"zones"`
}

// fileSource reads the zone list from a YAML file
type fileSource struct {
	goutils.Component
	path string
}

// GetFileSource define a CatalogSource reading from a YAML file
func GetFileSource(path string) (CatalogSource, error) {
	if path == "" {
		return nil, fmt.Errorf("zone catalog file not defined")
	}
	logTags := log.Fields{
		"module": "zones", "component": "file-source", "instance": path,
	}
	return &fileSource{Component: goutils.Component{LogTags: logTags}, path: path}, nil
}

// Fetch read the zone records from the source
func (s *fileSource) Fetch(_ context.Context) ([]ZoneDescriptor, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to read zone catalog file")
		return nil, err
	}
	var parsed catalogFile
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to parse zone catalog file")
		return nil, err
	}
	log.WithFields(s.LogTags).Infof("Read %d zones", len(parsed.Zones))
	return parsed.Zones, nil
}
