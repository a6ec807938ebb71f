package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"memo-relay/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	failFFmpeg   bool
	emptyOutput  bool
	probeOutput  string
	manifestBody string
	ffmpegArgs   []string
	probeCalls   []string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	switch name {
	case "ffprobe":
		r.probeCalls = append(r.probeCalls, args[len(args)-1])
		return []byte(r.probeOutput), nil
	case "ffmpeg":
		r.ffmpegArgs = args
		manifest := ""
		for i, a := range args {
			if a == "-i" {
				manifest = args[i+1]
			}
		}
		body, err := os.ReadFile(manifest)
		if err != nil {
			return nil, fmt.Errorf("manifest unreadable: %w", err)
		}
		r.manifestBody = string(body)

		if r.failFFmpeg {
			// Simulate an interrupted concat: partial bytes hit the
			// temp path before the tool dies.
			os.WriteFile(args[len(args)-1], []byte("half"), 0644)
			return []byte("corrupt input fragment"), fmt.Errorf("exit status 1")
		}
		if !r.emptyOutput {
			if err := os.WriteFile(args[len(args)-1], []byte("merged"), 0644); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected tool %s", name)
}

func newTestEngine(t *testing.T, runner Runner) (*Engine, string) {
	t.Helper()
	outDir := t.TempDir()
	engine := NewEngine(config.MergeConfig{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Timeout:     5 * time.Second,
	}, outDir)
	engine.runner = runner
	return engine, outDir
}

func writeFragments(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("fragment_%05d.m4a", i))
		require.NoError(t, os.WriteFile(p, []byte("audio"), 0644))
		paths = append(paths, p)
	}
	return paths
}

func TestMergeRejectsZeroFragments(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeRunner{})

	_, err := engine.Merge(context.Background(), "s1", nil)
	assert.ErrorIs(t, err, ErrNoFragments)
}

func TestMergeWritesManifestInGivenOrder(t *testing.T) {
	runner := &fakeRunner{}
	engine, outDir := newTestEngine(t, runner)
	paths := writeFragments(t, 3)

	result, err := engine.Merge(context.Background(), "s1", paths)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(runner.manifestBody), "\n")
	require.Len(t, lines, 3)
	for i, p := range paths {
		assert.Equal(t, fmt.Sprintf("file '%s'", p), lines[i])
	}

	assert.Contains(t, runner.ffmpegArgs, "concat")
	assert.Contains(t, runner.ffmpegArgs, "copy")

	info, err := os.Stat(result.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), result.SizeBytes)
	assert.Equal(t, outDir, filepath.Dir(result.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(result.Path), "s1_"))
	assert.Equal(t, ".m4a", filepath.Ext(result.Path))
}

func TestMergeCleansUpTempArtifacts(t *testing.T) {
	runner := &fakeRunner{}
	engine, outDir := newTestEngine(t, runner)

	result, err := engine.Merge(context.Background(), "s1", writeFragments(t, 2))
	require.NoError(t, err)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the merged output should remain")
	assert.Equal(t, filepath.Base(result.Path), entries[0].Name())
}

func TestMergeFailureLeavesNoOutput(t *testing.T) {
	runner := &fakeRunner{failFFmpeg: true}
	engine, outDir := newTestEngine(t, runner)

	_, err := engine.Merge(context.Background(), "s1", writeFragments(t, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt input fragment")

	entries, readErr := os.ReadDir(outDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "failed merge must clean the temp output and manifest")
}

func TestMergeRejectsEmptyOutput(t *testing.T) {
	runner := &fakeRunner{emptyOutput: true}
	engine, outDir := newTestEngine(t, runner)

	_, err := engine.Merge(context.Background(), "s1", writeFragments(t, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output")

	entries, readErr := os.ReadDir(outDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestMergeEscapesQuotesInManifest(t *testing.T) {
	runner := &fakeRunner{}
	engine, _ := newTestEngine(t, runner)

	dir := t.TempDir()
	p := filepath.Join(dir, "it's.m4a")
	require.NoError(t, os.WriteFile(p, []byte("audio"), 0644))

	_, err := engine.Merge(context.Background(), "s1", []string{p})
	require.NoError(t, err)
	assert.Contains(t, runner.manifestBody, `'\''`)
}

func TestProbeDuration(t *testing.T) {
	runner := &fakeRunner{probeOutput: "12.345\n"}
	engine, _ := newTestEngine(t, runner)

	d, err := engine.ProbeDuration(context.Background(), "/tmp/frag.m4a")
	require.NoError(t, err)
	assert.InDelta(t, 12.345, d, 1e-9)
	assert.Equal(t, []string{"/tmp/frag.m4a"}, runner.probeCalls)
}

func TestProbeDurationUnparseable(t *testing.T) {
	runner := &fakeRunner{probeOutput: "N/A"}
	engine, _ := newTestEngine(t, runner)

	_, err := engine.ProbeDuration(context.Background(), "/tmp/frag.m4a")
	assert.Error(t, err)
}
