// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates JSON payloads, such as telemetry bodies, against JSON
// schemas before they leave the device or after they arrive at the hub.
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalid is returned, wrapped, when a document does not match its schema
var ErrInvalid = errors.New("document does not match schema")

// Validator validates JSON documents against a set of compiled schemas, keyed by $id
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidatorFromFS creates a new Validator from the *.json files in the root of
// fsys. Files under refs/ are only used to resolve references.
func NewValidatorFromFS(fsys fs.FS) (*Validator, error) {
	readDir := func(dir string) ([]string, error) {
		var strs []string
		entries, err := fs.ReadDir(fsys, dir)
		if err != nil {
			if dir != "." && errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("cannot read dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("cannot read file '%s': %w", e.Name(), err)
			}
			strs = append(strs, string(data))
		}
		return strs, nil
	}

	schemas, err := readDir(".")
	if err != nil {
		return nil, err
	}
	refs, err := readDir("refs")
	if err != nil {
		return nil, err
	}
	return NewValidator(schemas, refs)
}

// NewValidator compiles the top level schemas. Each one must carry an $id and may
// reference the schemas in refs, but not each other.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type header struct {
		ID string `json:"$id"`
	}
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		h := header{}
		if err := json.Unmarshal([]byte(str), &h); err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if h.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		sl := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := sl.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref for %s: %w", h.ID, err)
			}
		}
		compiled, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", h.ID, err)
		}
		v.schemas[h.ID] = compiled
	}
	return v, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemas[schemaID]
	return ok
}

// Validate validates a raw JSON payload against schemaID
func (v *Validator) Validate(payload []byte, schemaID string) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%w %s: payload is not valid json", ErrInvalid, schemaID)
	}
	return v.validate(gojsonschema.NewBytesLoader(payload), schemaID)
}

// ValidateStruct validates a Go value, as it would be marshalled, against schemaID
func (v *Validator) ValidateStruct(value interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(value), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	compiled, ok := v.schemas[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}

	result, err := compiled.Validate(loader)
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s: %w", schemaID, err)
	}

	if !result.Valid() {
		msg := ""
		for _, e := range result.Errors() {
			msg += fmt.Sprintf("\n- %s", e)
		}
		return fmt.Errorf("%w %s:%s", ErrInvalid, schemaID, msg)
	}
	return nil
}
