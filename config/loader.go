package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// Loader resolves a named configuration object (e.g. "node.json",
// "peers.json") to its raw bytes, mirroring ConfigManager.ReadResource: a
// location is either an http(s) URL or a file path resolved against
// baseDir.
type Loader interface {
	Load(objectName string) ([]byte, error)
}

// FileLoader reads configuration objects from a directory, optionally
// overlaid by an instance name: Load first tries baseDir/instance/name,
// falling back to baseDir/name, mirroring ReadConfigObject's instance-name
// overlay.
type FileLoader struct {
	BaseDir  string
	Instance string
}

func (f FileLoader) Load(objectName string) ([]byte, error) {
	if f.Instance != "" {
		if b, err := os.ReadFile(f.BaseDir + "/" + f.Instance + "/" + objectName); err == nil {
			return b, nil
		}
	}
	b, err := os.ReadFile(f.BaseDir + "/" + objectName)
	if err != nil {
		return nil, fmt.Errorf("reading config object %q: %w", objectName, err)
	}
	return b, nil
}

// HTTPLoader fetches configuration objects from a base URL, for embedders
// that keep configuration on a remote server, mirroring ReadResource's
// http(s) branch.
type HTTPLoader struct {
	BaseURL string
}

func (h HTTPLoader) Load(objectName string) ([]byte, error) {
	url := strings.TrimSuffix(h.BaseURL, "/") + "/" + objectName
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetching config object %q: %w", objectName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching config object %q: status %s", objectName, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading config object %q: %w", objectName, err)
	}
	return body, nil
}

// Load reads objectName through loader and unmarshals it as JSON into a
// fresh T, mirroring the BuildJSONConfigObject/ConfigObject[T] pattern,
// reduced to a single generic function since a node loads its settings
// once at startup and has no need for a resource cache.
func Load[T any](loader Loader, objectName string) (T, error) {
	var out T
	raw, err := loader.Load(objectName)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("parsing config object %q: %w", objectName, err)
	}
	return out, nil
}
