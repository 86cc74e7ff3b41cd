package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tendant/simple-invoice-cropper/internal/process"
)

const blobVersion = 1

type blob struct {
	Version int              `json:"version"`
	Tasks   []process.Record `json:"tasks"`
}

func recordSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"taskId":        map[string]any{"type": "string", "minLength": 1},
			"status":        map[string]any{"enum": []string{"PENDING", "PROCESSING", "COMPLETED", "FAILED"}},
			"createdAt":     map[string]any{"type": "string"},
			"completedAt":   map[string]any{"type": "string"},
			"totalInvoices": map[string]any{"type": "integer", "minimum": 0},
			"invoices": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"filename", "bbox"},
					"properties": map[string]any{
						"bbox": map[string]any{"type": "array", "minItems": 4, "maxItems": 4},
					},
				},
			},
		},
		"required": []string{"taskId", "status"},
	}
}

// blobSchema accepts the versioned envelope as well as the legacy bare list.
func blobSchema() map[string]any {
	list := map[string]any{"type": "array", "items": recordSchema()}
	return map[string]any{
		"oneOf": []any{
			list,
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"version": map[string]any{"type": "integer", "const": blobVersion},
					"tasks":   list,
				},
				"required": []string{"version", "tasks"},
			},
		},
	}
}

var (
	blobSchemaOnce sync.Once
	compiledBlob   *jsonschema.Schema
	blobSchemaErr  error
)

func compiledBlobSchema() (*jsonschema.Schema, error) {
	blobSchemaOnce.Do(func() {
		b, err := json.Marshal(blobSchema())
		if err != nil {
			blobSchemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("invoice_tasks.json", bytes.NewReader(b)); err != nil {
			blobSchemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledBlob, blobSchemaErr = compiler.Compile("invoice_tasks.json")
	})
	return compiledBlob, blobSchemaErr
}

func decodeBlob(data []byte) ([]process.Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []process.Record{}, nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode blob: %w", err)
	}
	s, err := compiledBlobSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate blob: %w", err)
	}

	if _, legacy := doc.([]any); legacy {
		var recs []process.Record
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("decode legacy blob: %w", err)
		}
		return nonNilRecords(recs), nil
	}
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode blob: %w", err)
	}
	return nonNilRecords(b.Tasks), nil
}

func encodeBlob(recs []process.Record) ([]byte, error) {
	data, err := json.Marshal(blob{Version: blobVersion, Tasks: nonNilRecords(recs)})
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}
	return data, nil
}

func nonNilRecords(recs []process.Record) []process.Record {
	if recs == nil {
		return []process.Record{}
	}
	return recs
}
