package heartbeat

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

// ContentSource provides the heartbeat instructions checked before each
// tick. Empty content means there is nothing for the agent to act on.
type ContentSource interface {
	Load(ctx context.Context) (string, error)
}

// FileSource reads heartbeat content from a HEARTBEAT.md-style file.
// A missing file is not an error; it reads as empty.
type FileSource struct {
	Path string
}

func (f *FileSource) Load(ctx context.Context) (string, error) {
	if f == nil || f.Path == "" {
		return "", nil
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// StaticSource returns fixed content; used in tests and for inline config.
type StaticSource string

func (s StaticSource) Load(ctx context.Context) (string, error) {
	return string(s), nil
}

var htmlCommentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)

// IsActionable reports whether heartbeat content contains anything beyond
// headings, HTML comments, and whitespace. A file holding only scaffolding
// like "# notes\n\n" does not warrant a model call.
func IsActionable(content string) bool {
	stripped := htmlCommentPattern.ReplaceAllString(content, "")
	for _, line := range strings.Split(stripped, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		return true
	}
	return false
}
