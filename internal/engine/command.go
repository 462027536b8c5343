package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yinghuzhu/mediacraft-api/internal/model"
)

// buildArgs translates a job into an ffmpeg argument list. Merge jobs also
// write their concat list file into the job's work directory.
func (f *FFmpeg) buildArgs(job Job) ([]string, error) {
	switch job.Type {
	case model.TypeMerge:
		return mergeArgs(job)
	case model.TypeWatermarkRemoval:
		return watermarkArgs(job)
	default:
		return nil, fmt.Errorf("no command for task type %q", job.Type)
	}
}

// mergeArgs builds a concat-demuxer merge. Inputs are re-encoded to a common
// H.264/AAC profile so clips with mismatched codecs or dimensions still
// concatenate cleanly.
func mergeArgs(job Job) ([]string, error) {
	if len(job.InputPaths) < 2 {
		return nil, fmt.Errorf("merge expects at least two inputs, got %d", len(job.InputPaths))
	}

	listPath := filepath.Join(job.WorkDir, "concat.txt")
	if err := writeConcatList(listPath, job.InputPaths); err != nil {
		return nil, err
	}

	args := []string{
		"-hide_banner", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c:v", "libx264", "-preset", "medium", "-crf", "23",
		"-pix_fmt", "yuv420p",
	}
	if job.Params.Audio == model.AudioRemove {
		args = append(args, "-an")
	} else {
		args = append(args, "-c:a", "aac", "-b:a", "192k")
	}
	args = append(args, "-movflags", "+faststart")
	args = append(args, progressArgs()...)
	args = append(args, job.OutputPath)
	return args, nil
}

// watermarkArgs builds a delogo filter chain covering every requested region.
// The audio stream passes through untouched.
func watermarkArgs(job Job) ([]string, error) {
	if len(job.InputPaths) != 1 {
		return nil, fmt.Errorf("watermark removal expects one input, got %d", len(job.InputPaths))
	}
	if len(job.Params.Regions) == 0 {
		return nil, fmt.Errorf("watermark removal requires at least one region")
	}

	filters := make([]string, 0, len(job.Params.Regions))
	for _, r := range job.Params.Regions {
		filters = append(filters, fmt.Sprintf("delogo=x=%d:y=%d:w=%d:h=%d", r.X, r.Y, r.Width, r.Height))
	}

	args := []string{
		"-hide_banner", "-y",
		"-i", job.InputPaths[0],
		"-vf", strings.Join(filters, ","),
		"-c:a", "copy",
	}
	args = append(args, progressArgs()...)
	args = append(args, job.OutputPath)
	return args, nil
}

// progressArgs makes ffmpeg emit machine-readable progress on stdout instead
// of the human status line on stderr.
func progressArgs() []string {
	return []string{"-progress", "pipe:1", "-nostats"}
}

// writeConcatList writes the concat demuxer input list. Single quotes inside
// paths are escaped per the demuxer's quoting rules.
func writeConcatList(path string, inputs []string) error {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", in, err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	return nil
}
