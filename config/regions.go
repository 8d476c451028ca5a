package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegionEntry is one row of the region reference file.
type RegionEntry struct {
	Code               string `json:"code" yaml:"code"`
	LegalCode          string `json:"legal_code" yaml:"legal_code"`
	Province           string `json:"province" yaml:"province"`
	District           string `json:"district" yaml:"district"`
	NeighborhoodPrefix string `json:"neighborhood_prefix" yaml:"neighborhood_prefix"`
}

// RegionFile is the top-level layout of the region reference file
type RegionFile struct {
	Regions []RegionEntry `json:"regions" yaml:"regions"`
}

// LoadRegionFile reads the region reference file; the format follows the extension
// (.yaml/.yml or JSON otherwise).
func LoadRegionFile(path string) ([]RegionEntry, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read region file: %w", err)
	}

	var file RegionFile
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse region file: %w", err)
	}

	for i, entry := range file.Regions {
		if len(entry.Code) != 5 {
			return nil, fmt.Errorf("region %d: code %q is not 5 digits", i, entry.Code)
		}
		if entry.LegalCode == "" || entry.Province == "" {
			return nil, fmt.Errorf("region %d: legal_code and province are required", i)
		}
	}
	return file.Regions, nil
}

// PrefixAllowed reports whether the region code passes the province allow-list.
// An empty allow-list admits every code.
func PrefixAllowed(allow []string, regionCode string) bool {
	if len(allow) == 0 {
		return true
	}
	if len(regionCode) < 2 {
		return false
	}
	for _, prefix := range allow {
		if strings.TrimSpace(prefix) == regionCode[:2] {
			return true
		}
	}
	return false
}
