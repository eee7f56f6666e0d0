package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/agentqueue/pkg/agentproc"
)

var pngHeader = []byte{
	0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n',
	0x00, 0x00, 0x00, 0x0d, 'I', 'H', 'D', 'R',
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x02, 0x00, 0x00, 0x00,
}

func TestCommandText(t *testing.T) {
	text, err := commandText([]string{"fix", "the", "tests"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "fix the tests", text)

	text, err = commandText([]string{"-"}, strings.NewReader("from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", text)

	text, err = commandText(nil, strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(png, pngHeader, 0o644))

	img, err := loadImage(png)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MediaType)
	assert.Equal(t, "shot.png", img.Name)
	assert.NotEmpty(t, img.Data)

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("just text"), 0o644))
	_, err = loadImage(txt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported media type")

	_, err = loadImage(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestSubmitCommand(t *testing.T) {
	dbPath := useTestConfig(t, nil)
	dir := t.TempDir()
	png := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(png, pngHeader, 0o644))

	out, err := runCLI(t, "submit",
		"--project", "work/api",
		"--cwd", dir,
		"--session", "sess-1",
		"--priority", "5",
		"--options", `{"custom":true,"model":"old"}`,
		"--model", "opus",
		"--allowed-tools", "Read,Edit",
		"--image", png,
		"--json",
		"explain", "this")
	require.NoError(t, err)

	var res submitResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "work/api", res.Project)

	store := openTestStore(t, dbPath)
	job, err := store.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, "explain this", job.Command)
	assert.Equal(t, "sess-1", job.Session())
	assert.Equal(t, 5, job.Priority)

	opts, err := agentproc.ParseOptions(job.Options)
	require.NoError(t, err)
	assert.Equal(t, "opus", opts.Model)
	assert.Equal(t, dir, opts.WorkDir())
	assert.Equal(t, []string{"Read", "Edit"}, opts.AllowedTools)
	require.Len(t, opts.Images, 1)
	assert.Equal(t, "image/png", opts.Images[0].MediaType)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(job.Options, &raw))
	assert.Equal(t, true, raw["custom"])
}

func TestSubmitCommandResolvesUnderProjectsRoot(t *testing.T) {
	root := t.TempDir()
	useTestConfig(t, map[string]string{"AGENTQUEUE_PROJECTS_ROOT": root})

	_, err := runCLI(t, "submit", "--project", "alpha", "hi")
	require.NoError(t, err)

	_, err = runCLI(t, "submit", "--project", "../outside", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid working directory")
}

func TestSubmitCommandRejectsBadInput(t *testing.T) {
	useTestConfig(t, nil)

	tests := []struct {
		name    string
		args    []string
		message string
	}{
		{
			name:    "options not an object",
			args:    []string{"submit", "--project", "p", "--options", "[1,2]", "hi"},
			message: "Invalid job options",
		},
		{
			name:    "bad permission mode",
			args:    []string{"submit", "--project", "p", "--permission-mode", "yolo", "hi"},
			message: "Invalid job options",
		},
		{
			name:    "blank project",
			args:    []string{"submit", "--project", "   ", "hi"},
			message: "Invalid submit request",
		},
		{
			name:    "priority out of range",
			args:    []string{"submit", "--project", "p", "--priority", "5000", "hi"},
			message: "Invalid submit request",
		},
		{
			name:    "relative project without projects root",
			args:    []string{"submit", "--project", "p", "hi"},
			message: "Invalid working directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}
