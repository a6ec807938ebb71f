package merge

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"memo-relay/pkg/config"
)

var ErrNoFragments = fmt.Errorf("no fragments to merge")

// Runner executes an external tool and returns its combined output.
// The engine only ever runs ffmpeg and ffprobe through it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Result struct {
	Path      string
	SizeBytes int64
}

// Engine concatenates a session's fragment files into one output via
// ffmpeg's concat demuxer with stream copy. Nothing is re-encoded:
// transcoding voice fragments over and over degrades them and burns CPU
// the deployment target does not have.
type Engine struct {
	ffmpeg  string
	ffprobe string
	outDir  string
	timeout time.Duration
	runner  Runner
}

func NewEngine(cfg config.MergeConfig, outDir string) *Engine {
	return &Engine{
		ffmpeg:  cfg.FFmpegPath,
		ffprobe: cfg.FFprobePath,
		outDir:  outDir,
		timeout: cfg.Timeout,
		runner:  execRunner{},
	}
}

// Merge concatenates the given fragment paths, already ordered by
// index, into a fresh timestamped output file for the session. The
// output is written to a temporary path and renamed only on full
// success, so a crash mid-merge never leaves a readable file at the
// final location. A previous successful merge for the same session is
// never touched.
func (e *Engine) Merge(ctx context.Context, sessionID string, paths []string) (*Result, error) {
	if len(paths) == 0 {
		return nil, ErrNoFragments
	}

	ext := filepath.Ext(paths[0])
	if ext == "" {
		ext = ".m4a"
	}

	manifest, err := e.writeManifest(paths)
	if err != nil {
		return nil, err
	}
	defer os.Remove(manifest)

	finalName := fmt.Sprintf("%s_%d%s", sessionID, time.Now().UnixNano(), ext)
	finalPath := filepath.Join(e.outDir, finalName)
	tmpPath := filepath.Join(e.outDir, "tmp-"+finalName)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.runner.Run(ctx, e.ffmpeg,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-c", "copy",
		tmpPath,
	)
	if err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ffmpeg concat failed for session %s: %w (output: %s)", sessionID, err, truncate(out))
	}

	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ffmpeg produced no output for session %s", sessionID)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to move merged output into place: %w", err)
	}

	log.Printf("Reassembly Engine: merged %d fragments for session %s into %s (%d bytes)",
		len(paths), sessionID, finalName, info.Size())

	return &Result{Path: finalPath, SizeBytes: info.Size()}, nil
}

// ProbeDuration asks ffprobe for a single file's duration in seconds.
// It is only ever used on individual fragments; concatenated container
// headers report unreliable durations, so the merged file is never
// probed.
func (e *Engine) ProbeDuration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.runner.Run(ctx, e.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w (output: %s)", path, err, truncate(out))
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe returned unparseable duration for %s: %w", path, err)
	}

	return duration, nil
}

// writeManifest emits the concat demuxer's file list, one quoted path
// per line.
func (e *Engine) writeManifest(paths []string) (string, error) {
	f, err := os.CreateTemp(e.outDir, "manifest-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create merge manifest: %w", err)
	}

	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}

	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write merge manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close merge manifest: %w", err)
	}

	return f.Name(), nil
}

func truncate(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 400 {
		return s[:400] + "..."
	}
	return s
}
