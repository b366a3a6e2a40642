package journal

import (
	"encoding/json"
	"fmt"
)

func encodeKeys(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("journal: failed to encode key columns: %w", err)
	}
	return string(b), nil
}

func decodeKeys(s string) ([]string, error) {
	var keys []string
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return nil, fmt.Errorf("journal: failed to decode key columns: %w", err)
	}
	return keys, nil
}
