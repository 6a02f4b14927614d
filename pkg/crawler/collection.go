// Package crawler fetches OpenProject resources: projects, statuses, work
// packages and the per-task activity feeds that pkg/activity merges.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// Fetcher issues one GET against the API and returns the JSON body.
// *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, path string, params url.Values) ([]byte, error)
}

// ErrMalformedCollection is returned when a list response lacks
// _embedded.elements.
var ErrMalformedCollection = errors.New("malformed collection response")

// collection is the HAL list envelope shared by every list resource.
type collection struct {
	Total    int `json:"total"`
	Count    int `json:"count"`
	PageSize int `json:"pageSize"`
	Embedded *struct {
		Elements []json.RawMessage `json:"elements"`
	} `json:"_embedded"`
}

// fetchCollection fetches path and returns its envelope. A missing
// _embedded.elements is an error, an empty one is not.
func fetchCollection(ctx context.Context, f Fetcher, path string, params url.Values) (*collection, error) {
	body, err := f.Fetch(ctx, path, params)
	if err != nil {
		return nil, err
	}

	var c collection
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if c.Embedded == nil || c.Embedded.Elements == nil {
		return nil, fmt.Errorf("%w: %s has no _embedded.elements", ErrMalformedCollection, path)
	}
	return &c, nil
}

// decodeElements decodes every element into T.
func decodeElements[T any](path string, elements []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(elements))
	for i, raw := range elements {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s element %d: %w", path, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// pageParams returns the pageSize parameter, or nil when size is not positive.
func pageParams(size int) url.Values {
	if size <= 0 {
		return nil
	}
	return url.Values{"pageSize": {strconv.Itoa(size)}}
}
