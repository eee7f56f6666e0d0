package agentproc

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var extByMediaType = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// writeAttachments decodes images into a fresh directory under tmpRoot and
// returns the directory and the written paths. The caller owns the directory.
func writeAttachments(tmpRoot string, jobID int64, images []Image) (string, []string, error) {
	if len(images) == 0 {
		return "", nil, nil
	}

	dir, err := os.MkdirTemp(tmpRoot, fmt.Sprintf("agentqueue-job-%d-", jobID))
	if err != nil {
		return "", nil, fmt.Errorf("create attachment dir: %w", err)
	}

	paths := make([]string, 0, len(images))
	for i, img := range images {
		mediaType, payload := splitDataURL(img.Data)
		if img.MediaType != "" {
			mediaType = img.MediaType
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			_ = os.RemoveAll(dir)
			return "", nil, fmt.Errorf("decode image %d: %w", i, err)
		}

		name := filepath.Base(strings.TrimSpace(img.Name))
		if name == "" || name == "." || name == string(filepath.Separator) {
			name = fmt.Sprintf("image-%d%s", i+1, extByMediaType[mediaType])
		}
		path := filepath.Join(dir, fmt.Sprintf("%02d-%s", i+1, name))
		// #nosec G306 -- attachments are read back by the agent running as the same user
		if err := os.WriteFile(path, data, 0600); err != nil {
			_ = os.RemoveAll(dir)
			return "", nil, fmt.Errorf("write image %d: %w", i, err)
		}
		paths = append(paths, path)
	}
	return dir, paths, nil
}

// splitDataURL separates "data:<type>;base64,<payload>" into its parts.
// Plain base64 is returned unchanged with an empty media type.
func splitDataURL(v string) (string, string) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "data:") {
		return "", v
	}
	header, payload, ok := strings.Cut(v, ",")
	if !ok {
		return "", v
	}
	header = strings.TrimPrefix(header, "data:")
	header = strings.TrimSuffix(header, ";base64")
	return header, payload
}

func appendAttachmentPaths(command string, paths []string) string {
	if len(paths) == 0 {
		return command
	}
	var b strings.Builder
	b.WriteString(command)
	b.WriteString("\n\nAttached images:\n")
	for _, p := range paths {
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}
