// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mem

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// parsePatch parses a JSON merge patch, which must be an object
func parsePatch(patch []byte) (map[string]interface{}, error) {
	var p map[string]interface{}
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("invalid property patch: %w", err)
	}
	if p == nil {
		return nil, errors.New("invalid property patch: not an object")
	}
	return p, nil
}

// mergePatch applies patch to target as described in RFC 7386. Null removes a key.
func mergePatch(target, patch map[string]interface{}) {
	for key, value := range patch {
		if value == nil {
			delete(target, key)
			continue
		}
		sub, ok := value.(map[string]interface{})
		if !ok {
			target[key] = value
			continue
		}
		existing, ok := target[key].(map[string]interface{})
		if !ok {
			existing = map[string]interface{}{}
		}
		mergePatch(existing, sub)
		target[key] = existing
	}
}
