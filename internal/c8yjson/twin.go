package c8yjson

import (
	"encoding/json"
	"fmt"
)

// TwinFragmentToC8y translates a single "twin/<fragmentKey>" retained
// message into the inventory PATCH body Cumulocity expects: the
// fragment key becomes the sole top-level key, carrying whatever value
// the device published (object, scalar, or array), per
// crates/extensions/c8y_mapper_ext/src/entity_cache.rs's twin_data
// handling (a clearing empty payload reaches this function as a nil
// value and is rendered as {"<fragmentKey>": null}).
func TwinFragmentToC8y(fragmentKey string, value any) ([]byte, error) {
	data, err := json.Marshal(map[string]any{fragmentKey: value})
	if err != nil {
		return nil, fmt.Errorf("marshal c8y twin fragment %q: %w", fragmentKey, err)
	}
	return data, nil
}
