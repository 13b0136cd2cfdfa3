// Package tool defines the contract every registered tool implements and the
// read-only registry that holds tool definitions after startup.
package tool

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Category classifies a tool and drives its storage path prefix and the
// worker-side timeout budget.
type Category string

const (
	CategoryDocument   Category = "document"
	CategoryImage      Category = "image"
	CategoryVideo      Category = "video"
	CategoryGPS        Category = "gps"
	CategoryText       Category = "text"
	CategoryConversion Category = "conversion"
)

// Categories returns all valid categories in declaration order.
func Categories() []Category {
	return []Category{
		CategoryDocument,
		CategoryImage,
		CategoryVideo,
		CategoryGPS,
		CategoryText,
		CategoryConversion,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryDocument, CategoryImage, CategoryVideo, CategoryGPS, CategoryText, CategoryConversion:
		return true
	}
	return false
}

// WorkerTimeout returns the maximum worker-side processing budget for the
// category. Exceeding it is reported as a timeout failure.
func (c Category) WorkerTimeout() time.Duration {
	switch c {
	case CategoryText:
		return 2 * time.Minute
	case CategoryGPS:
		return 5 * time.Minute
	case CategoryImage:
		return 10 * time.Minute
	case CategoryDocument:
		return 15 * time.Minute
	case CategoryVideo:
		return 30 * time.Minute
	case CategoryConversion:
		return 10 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Input describes the file a caller wants processed. Parameters are
// tool-specific and opaque to the framework.
type Input struct {
	// Name is the original filename; only its extension is interpreted.
	Name       string
	Size       int64
	Parameters map[string]any
}

// Ext returns the lowercase extension of the input name, without the dot.
func (in Input) Ext() string {
	idx := strings.LastIndexByte(in.Name, '.')
	if idx < 0 || idx == len(in.Name)-1 {
		return ""
	}
	return strings.ToLower(in.Name[idx+1:])
}

// Outcome is the tagged result of invoking a tool: either an inline
// SyncResult or an AsyncHandle referencing a tracked execution. Callers
// branch on the concrete type, never on value shape.
type Outcome interface {
	isOutcome()
}

// SyncResult carries the inline result of a synchronous tool.
type SyncResult struct {
	Data        []byte
	ContentType string
}

// AsyncHandle references the execution created for an asynchronous tool.
type AsyncHandle struct {
	ExecutionID string
}

func (SyncResult) isOutcome()  {}
func (AsyncHandle) isOutcome() {}

// Validator is the minimum contract a tool handler implements: tool-specific
// input checks beyond the framework's format/size constraints.
type Validator interface {
	Validate(ctx context.Context, in Input) error
}

// SyncProcessor is implemented in addition to Validator by synchronous tools.
// Asynchronous tools are processed by the external worker and do not
// implement it.
type SyncProcessor interface {
	Process(ctx context.Context, in Input) (SyncResult, error)
}

// Definition describes one registered tool. Definitions are constructed once
// at startup, passed into NewRegistry, and never mutated afterwards.
type Definition struct {
	// Name is the unique slug used in URLs, storage paths, and logs.
	Name        string
	Category    Category
	Description string

	// SupportedFormats lists accepted input extensions (lowercase, no dot).
	SupportedFormats []string
	// MaxFileSize is the largest accepted input in bytes.
	MaxFileSize int64

	// Async selects the dispatched execution path; sync tools process inline.
	Async bool

	Handler Validator
}

var slugRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// CheckInput enforces the definition's format and size constraints. It runs
// before the handler's own Validate and before any execution is created.
func (d *Definition) CheckInput(in Input) error {
	ext := in.Ext()
	if ext == "" {
		return fmt.Errorf("%w: input has no file extension", ErrValidation)
	}
	supported := false
	for _, f := range d.SupportedFormats {
		if ext == f {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("%w: format %q not supported by tool %q (supported: %s)",
			ErrValidation, ext, d.Name, strings.Join(d.SupportedFormats, ", "))
	}
	if in.Size <= 0 {
		return fmt.Errorf("%w: input size must be positive", ErrValidation)
	}
	if in.Size > d.MaxFileSize {
		return fmt.Errorf("%w: input size %d exceeds limit %d for tool %q",
			ErrValidation, in.Size, d.MaxFileSize, d.Name)
	}
	return nil
}

// validate checks contract completeness for registration.
func (d *Definition) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrIncompleteContract)
	}
	if !slugRe.MatchString(d.Name) {
		return fmt.Errorf("%w: name %q is not a valid slug", ErrIncompleteContract, d.Name)
	}
	if !d.Category.Valid() {
		return fmt.Errorf("%w: tool %q has invalid category %q", ErrIncompleteContract, d.Name, d.Category)
	}
	if len(d.SupportedFormats) == 0 {
		return fmt.Errorf("%w: tool %q declares no supported formats", ErrIncompleteContract, d.Name)
	}
	if d.MaxFileSize <= 0 {
		return fmt.Errorf("%w: tool %q has no max file size", ErrIncompleteContract, d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", ErrIncompleteContract, d.Name)
	}
	if !d.Async {
		if _, ok := d.Handler.(SyncProcessor); !ok {
			return fmt.Errorf("%w: synchronous tool %q handler does not implement Process", ErrIncompleteContract, d.Name)
		}
	}
	return nil
}
