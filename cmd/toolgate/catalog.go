package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mtaverner/toolgate/internal/tool"
)

const (
	mb = 1 << 20
	gb = 1 << 30
)

// builtinTools returns the static tool catalog registered at startup.
func builtinTools() []tool.Definition {
	return []tool.Definition{
		{
			Name:             "rotate",
			Category:         tool.CategoryVideo,
			Description:      "Rotate a video by 90, 180 or 270 degrees",
			SupportedFormats: []string{"mp4", "mov", "avi", "mkv"},
			MaxFileSize:      2 * gb,
			Async:            true,
			Handler:          rotateValidator{},
		},
		{
			Name:             "resize",
			Category:         tool.CategoryImage,
			Description:      "Resize an image to the given dimensions",
			SupportedFormats: []string{"jpg", "jpeg", "png", "webp"},
			MaxFileSize:      50 * mb,
			Async:            true,
			Handler:          resizeValidator{},
		},
		{
			Name:             "pdf-extract-text",
			Category:         tool.CategoryDocument,
			Description:      "Extract plain text from a PDF document",
			SupportedFormats: []string{"pdf"},
			MaxFileSize:      200 * mb,
			Async:            true,
			Handler:          noExtraValidation{},
		},
		{
			Name:             "gpx-simplify",
			Category:         tool.CategoryGPS,
			Description:      "Reduce GPX track points within a tolerance",
			SupportedFormats: []string{"gpx"},
			MaxFileSize:      100 * mb,
			Async:            true,
			Handler:          gpxSimplifyValidator{},
		},
		{
			Name:             "doc-to-pdf",
			Category:         tool.CategoryConversion,
			Description:      "Convert an office document to PDF",
			SupportedFormats: []string{"doc", "docx", "odt", "rtf"},
			MaxFileSize:      100 * mb,
			Async:            true,
			Handler:          noExtraValidation{},
		},
		{
			Name:             "wordcount",
			Category:         tool.CategoryText,
			Description:      "Count words and characters in inline text",
			SupportedFormats: []string{"txt", "md"},
			MaxFileSize:      10 * mb,
			Async:            false,
			Handler:          wordcountTool{},
		},
	}
}

// noExtraValidation accepts anything the framework constraints allow.
type noExtraValidation struct{}

func (noExtraValidation) Validate(ctx context.Context, in tool.Input) error { return nil }

type rotateValidator struct{}

func (rotateValidator) Validate(ctx context.Context, in tool.Input) error {
	deg, ok := numberParam(in.Parameters, "degrees")
	if !ok {
		return fmt.Errorf("%w: parameter \"degrees\" is required", tool.ErrValidation)
	}
	switch int(deg) {
	case 90, 180, 270:
		return nil
	}
	return fmt.Errorf("%w: degrees must be 90, 180 or 270", tool.ErrValidation)
}

type resizeValidator struct{}

func (resizeValidator) Validate(ctx context.Context, in tool.Input) error {
	for _, key := range []string{"width", "height"} {
		v, ok := numberParam(in.Parameters, key)
		if !ok {
			return fmt.Errorf("%w: parameter %q is required", tool.ErrValidation, key)
		}
		if v <= 0 || v > 16384 {
			return fmt.Errorf("%w: %s must be between 1 and 16384", tool.ErrValidation, key)
		}
	}
	return nil
}

type gpxSimplifyValidator struct{}

func (gpxSimplifyValidator) Validate(ctx context.Context, in tool.Input) error {
	if tol, ok := numberParam(in.Parameters, "tolerance"); ok && tol <= 0 {
		return fmt.Errorf("%w: tolerance must be positive", tool.ErrValidation)
	}
	return nil
}

// wordcountTool is the reference synchronous tool: it operates on inline
// text carried in the parameters and returns its result immediately.
type wordcountTool struct{}

func (wordcountTool) Validate(ctx context.Context, in tool.Input) error {
	text, _ := in.Parameters["text"].(string)
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: parameter \"text\" is required", tool.ErrValidation)
	}
	return nil
}

func (wordcountTool) Process(ctx context.Context, in tool.Input) (tool.SyncResult, error) {
	text, _ := in.Parameters["text"].(string)

	result := map[string]int{
		"words": len(strings.Fields(text)),
		"chars": len([]rune(text)),
		"lines": strings.Count(text, "\n") + 1,
	}
	data, err := json.Marshal(result)
	if err != nil {
		return tool.SyncResult{}, fmt.Errorf("encode result: %w", err)
	}
	return tool.SyncResult{Data: data, ContentType: "application/json"}, nil
}

// numberParam reads a numeric parameter, tolerating the float64 that JSON
// decoding produces and plain ints from in-process callers.
func numberParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
