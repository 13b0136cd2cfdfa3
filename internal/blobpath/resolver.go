// Package blobpath maps executions to storage object paths and declares each
// container's retention policy. It is pure: no I/O happens here, and deletion
// is performed by the cleanup sweeper, never by transition logic.
package blobpath

import (
	"fmt"
	"strings"
	"time"

	"github.com/mtaverner/toolgate/internal/tool"
)

// Container is a top-level storage namespace.
type Container string

const (
	ContainerUploads   Container = "uploads"
	ContainerProcessed Container = "processed"
	ContainerTemp      Container = "temp"
)

// RetentionPolicy declares how long objects in a container are kept. The
// resolver only emits the metadata; an external collaborator enforces it.
type RetentionPolicy struct {
	Container Container
	MaxAge    time.Duration
}

// Policies returns the retention policy for every container.
func Policies() []RetentionPolicy {
	return []RetentionPolicy{
		{Container: ContainerUploads, MaxAge: 7 * 24 * time.Hour},
		{Container: ContainerProcessed, MaxAge: 30 * 24 * time.Hour},
		{Container: ContainerTemp, MaxAge: 24 * time.Hour},
	}
}

// Retention returns the policy for a single container.
func Retention(c Container) (RetentionPolicy, bool) {
	for _, p := range Policies() {
		if p.Container == c {
			return p, true
		}
	}
	return RetentionPolicy{}, false
}

// InputPath returns uploads/{category}/{executionId}{ext}.
func InputPath(category tool.Category, executionID, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s", ContainerUploads, category, executionID, normalizeExt(ext))
}

// OutputPath returns processed/{category}/{executionId}{ext}.
func OutputPath(category tool.Category, executionID, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s", ContainerProcessed, category, executionID, normalizeExt(ext))
}

// WorkingPath returns temp/{executionId}/{name}. Working files for one
// execution share a directory so they can be reclaimed together.
func WorkingPath(executionID, name string) string {
	return fmt.Sprintf("%s/%s/%s", ContainerTemp, executionID, name)
}

func normalizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}
