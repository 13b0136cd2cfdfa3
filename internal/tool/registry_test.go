package tool

import (
	"context"
	"errors"
	"testing"
)

type okValidator struct{}

func (okValidator) Validate(ctx context.Context, in Input) error { return nil }

type okSyncTool struct{}

func (okSyncTool) Validate(ctx context.Context, in Input) error { return nil }
func (okSyncTool) Process(ctx context.Context, in Input) (SyncResult, error) {
	return SyncResult{Data: []byte("ok"), ContentType: "text/plain"}, nil
}

func asyncDef(name string) Definition {
	return Definition{
		Name:             name,
		Category:         CategoryImage,
		Description:      "test tool",
		SupportedFormats: []string{"png"},
		MaxFileSize:      1 << 20,
		Async:            true,
		Handler:          okValidator{},
	}
}

func TestNewRegistryRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry([]Definition{asyncDef("resize"), asyncDef("resize")})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestNewRegistryRejectsIncompleteContracts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"empty name", func(d *Definition) { d.Name = "" }},
		{"bad slug", func(d *Definition) { d.Name = "Not A Slug" }},
		{"bad category", func(d *Definition) { d.Category = "audio" }},
		{"no formats", func(d *Definition) { d.SupportedFormats = nil }},
		{"no max size", func(d *Definition) { d.MaxFileSize = 0 }},
		{"no handler", func(d *Definition) { d.Handler = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := asyncDef("resize")
			tc.mutate(&def)
			_, err := NewRegistry([]Definition{def})
			if !errors.Is(err, ErrIncompleteContract) {
				t.Fatalf("expected ErrIncompleteContract, got %v", err)
			}
		})
	}
}

func TestNewRegistryRejectsSyncToolWithoutProcess(t *testing.T) {
	t.Parallel()

	def := asyncDef("slugify")
	def.Async = false
	// okValidator does not implement SyncProcessor.
	_, err := NewRegistry([]Definition{def})
	if !errors.Is(err, ErrIncompleteContract) {
		t.Fatalf("expected ErrIncompleteContract, got %v", err)
	}

	def.Handler = okSyncTool{}
	if _, err := NewRegistry([]Definition{def}); err != nil {
		t.Fatalf("sync tool with Process should register: %v", err)
	}
}

func TestRegistryGetAndList(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry([]Definition{asyncDef("zebra"), asyncDef("alpha"), asyncDef("mid")})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}

	if _, err := r.Get("alpha"); err != nil {
		t.Fatalf("Get alpha: %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}

	var names []string
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	want := []string{"alpha", "mid", "zebra"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("List order = %v, want %v", names, want)
		}
	}
}

func TestCheckInput(t *testing.T) {
	t.Parallel()

	def := asyncDef("resize")
	def.SupportedFormats = []string{"png", "jpg"}
	def.MaxFileSize = 100

	cases := []struct {
		name    string
		in      Input
		wantErr bool
	}{
		{"ok", Input{Name: "photo.PNG", Size: 50}, false},
		{"no extension", Input{Name: "photo", Size: 50}, true},
		{"wrong format", Input{Name: "doc.pdf", Size: 50}, true},
		{"zero size", Input{Name: "photo.png", Size: 0}, true},
		{"too large", Input{Name: "photo.png", Size: 101}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := def.CheckInput(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckInput: %v", err)
			}
		})
	}
}

func TestInputExt(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"video.MP4":   "mp4",
		"a.b.c.gpx":   "gpx",
		"noext":       "",
		"trailingdot.": "",
	}
	for name, want := range cases {
		if got := (Input{Name: name}).Ext(); got != want {
			t.Fatalf("Ext(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestCategoryWorkerTimeout(t *testing.T) {
	t.Parallel()

	if CategoryText.WorkerTimeout() >= CategoryVideo.WorkerTimeout() {
		t.Fatal("text budget should be smaller than video budget")
	}
	for _, c := range Categories() {
		if c.WorkerTimeout() <= 0 {
			t.Fatalf("category %s has no budget", c)
		}
	}
}
