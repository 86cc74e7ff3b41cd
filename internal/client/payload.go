package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tendant/simple-invoice-cropper/internal/process"
	"github.com/tendant/simple-invoice-cropper/pkg/schema"
)

func invoiceSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"index":      map[string]any{"type": "integer", "minimum": 0},
			"page":       map[string]any{"type": "integer", "minimum": 1},
			"bbox":       map[string]any{"type": "array", "items": map[string]any{"type": "integer"}, "minItems": 4, "maxItems": 4},
			"confidence": map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
			"filename":   map[string]any{"type": "string"},
		},
		"required": []string{"index", "page", "bbox", "filename"},
	}
}

func recognizeSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"taskId":        map[string]any{"type": "string", "minLength": 1},
			"totalInvoices": map[string]any{"type": "integer", "minimum": 0},
			"invoices":      map[string]any{"type": []string{"array", "null"}, "items": invoiceSchema()},
		},
		"required": []string{"taskId"},
	}
}

func taskSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"taskId":        map[string]any{"type": "string"},
			"status":        map[string]any{"type": "string", "minLength": 1},
			"progress":      map[string]any{"type": []string{"integer", "null"}, "minimum": 0, "maximum": 100},
			"totalInvoices": map[string]any{"type": []string{"integer", "null"}, "minimum": 0},
			"invoices":      map[string]any{"type": []string{"array", "null"}, "items": invoiceSchema()},
		},
		"required": []string{"status"},
	}
}

var (
	compileOnce  sync.Once
	compiledTask *jsonschema.Schema
	compiledSync *jsonschema.Schema
	compileErr   error
)

func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile(name)
}

func schemas() (task, recognize *jsonschema.Schema, err error) {
	compileOnce.Do(func() {
		compiledTask, compileErr = compileSchema("task.json", taskSchema())
		if compileErr != nil {
			return
		}
		compiledSync, compileErr = compileSchema("recognize.json", recognizeSchema())
	})
	return compiledTask, compiledSync, compileErr
}

func validatePayload(s *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}

// ConvertInvoices maps wire invoices into the job model, rejecting
// inverted bounding boxes.
func ConvertInvoices(in []schema.InvoiceInfo) ([]process.Invoice, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]process.Invoice, 0, len(in))
	for i, inv := range in {
		if len(inv.BBox) != 4 {
			return nil, fmt.Errorf("invoice %d: bbox has %d coordinates", i, len(inv.BBox))
		}
		box := process.BoundingBox{inv.BBox[0], inv.BBox[1], inv.BBox[2], inv.BBox[3]}
		if !box.Valid() {
			return nil, fmt.Errorf("invoice %d: inverted bbox %v", i, inv.BBox)
		}
		if inv.Confidence < 0 || inv.Confidence > 1 {
			return nil, fmt.Errorf("invoice %d: confidence %v out of range", i, inv.Confidence)
		}
		out = append(out, process.Invoice{
			Index:            inv.Index,
			Page:             inv.Page,
			BBox:             box,
			Confidence:       inv.Confidence,
			Filename:         inv.Filename,
			MerchantName:     inv.MerchantName,
			ImageURL:         inv.ImageURL,
			DownloadURL:      inv.DownloadURL,
			OriginalImageURL: inv.OriginalImageURL,
		})
	}
	return out, nil
}
