package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/automator"
)

const (
	sceneFilter = `select='gt(scene,0.1)',scale=640:-1,drawtext=fontsize=45:fontcolor=yellow:box=1:boxcolor=black:x=(W-tw)/2:y=H-th-10:text='%{pts\:hms}'`
	frameFilter = `scale=640:-1,drawtext=fontsize=45:fontcolor=yellow:box=1:boxcolor=black:x=(W-tw)/2:y=H-th-10:text='%{pts\:hms}'`
	tileFilter  = "scale=640:-1,tile=3x3:margin=10:padding=4:color=white"

	// windowLead is how far before a located timestamp the refinement
	// window starts; windowLength is its duration.
	windowLead   = 1500 * time.Millisecond
	windowLength = "3"
)

// FFmpeg runs the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	bin   string
	probe string
}

// NewFFmpeg creates an FFmpeg runner. Empty paths fall back to "ffmpeg" and
// "ffprobe" on PATH.
func NewFFmpeg(bin, probe string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if probe == "" {
		probe = "ffprobe"
	}
	return &FFmpeg{bin: bin, probe: probe}
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.bin)
	return err == nil
}

// run executes ffmpeg. A failing process becomes a ResponseError carrying
// stderr, described by failMsg.
func (f *FFmpeg) run(ctx context.Context, failMsg string, args ...string) error {
	_, err := f.exec(ctx, f.bin, failMsg, args...)
	return err
}

func (f *FFmpeg) exec(ctx context.Context, bin, failMsg string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	line := shellquote.Join(append([]string{bin}, args...)...)
	zap.L().Debug("media: exec", zap.String("command", line))

	if err := cmd.Run(); err != nil {
		zap.L().Warn("media: command failed", zap.String("command", line), zap.String("stderr", stderr.String()), zap.Error(err))
		return "", automator.NewResponseError(failMsg, stderr.String(), err)
	}
	return stdout.String(), nil
}

// ExtractAudio writes the audio track of video to out as 64k mp3.
func (f *FFmpeg) ExtractAudio(ctx context.Context, video, out string) error {
	return f.run(ctx, "could not generate audio from video",
		"-y", "-nostdin", "-i", video, "-c:a", "mp3", "-b:a", "64k", out)
}

// SceneFrames writes one timestamped frame per scene change. pattern is a
// printf-style file pattern such as output_frame_%04d.jpeg.
func (f *FFmpeg) SceneFrames(ctx context.Context, video, pattern string) error {
	return f.run(ctx, "could not generate images from video",
		"-y", "-nostdin", "-i", video, "-vf", sceneFilter, "-vsync", "vfr", pattern)
}

// FramesAround writes timestamped frames for the three second window that
// starts 1.5 seconds before ts.
func (f *FFmpeg) FramesAround(ctx context.Context, video, ts, pattern string) error {
	start, err := ShiftTimestamp(ts, -windowLead)
	if err != nil {
		return err
	}
	return f.run(ctx, "could not generate images from video",
		"-y", "-nostdin", "-ss", start, "-i", video, "-t", windowLength, "-vf", frameFilter, "-vsync", "vfr", pattern)
}

// ClipAround re-encodes the same window FramesAround extracts into out.
func (f *FFmpeg) ClipAround(ctx context.Context, video, ts, out string) error {
	start, err := ShiftTimestamp(ts, -windowLead)
	if err != nil {
		return err
	}
	return f.run(ctx, "could not generate video from video",
		"-y", "-nostdin", "-ss", start, "-i", video, "-t", windowLength, "-c:v", "libx264", "-qscale", "0", out)
}

// Raster tiles the frames matching pattern into 3x3 contact sheets.
func (f *FFmpeg) Raster(ctx context.Context, pattern, out string) error {
	return f.run(ctx, "could not create video raster",
		"-i", pattern, "-filter_complex", tileFilter, out)
}

// Screenshot grabs a single frame at ts. crop, when given, is x, y, width,
// height in native pixels.
func (f *FFmpeg) Screenshot(ctx context.Context, video, ts string, crop []int, out string) error {
	ts, err := CleanTimestamp(ts)
	if err != nil {
		return err
	}
	args := []string{"-y", "-nostdin", "-ss", ts, "-i", video}
	if len(crop) == 4 {
		args = append(args, "-vf", fmt.Sprintf("crop=%d:%d:%d:%d", crop[2], crop[3], crop[0], crop[1]))
	}
	args = append(args, "-vframes", "1", out)
	return f.run(ctx, "could not generate screenshot from video", args...)
}

// Still grabs the frame at ts from input, seeking after opening it.
func (f *FFmpeg) Still(ctx context.Context, input, ts, out string) error {
	ts, err := CleanTimestamp(ts)
	if err != nil {
		return err
	}
	return f.run(ctx, "could not generate image from video",
		"-y", "-nostdin", "-i", input, "-ss", ts, "-frames:v", "1", out)
}

// Cut re-encodes the section between start and end into out.
func (f *FFmpeg) Cut(ctx context.Context, video, start, end, out string) error {
	start, err := CleanTimestamp(start)
	if err != nil {
		return err
	}
	end, err = CleanTimestamp(end)
	if err != nil {
		return err
	}
	return f.run(ctx, "could not cut out the video",
		"-y", "-nostdin", "-i", video, "-ss", start, "-to", end, "-c:v", "libx264", "-c:a", "aac", "-strict", "-2", out)
}

// Concat joins parts into out through a concat list written to listFile.
func (f *FFmpeg) Concat(ctx context.Context, parts []string, listFile, out string) error {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString("file " + p + "\n")
	}
	if err := os.WriteFile(listFile, []byte(b.String()), 0o600); err != nil {
		return eris.Wrap(err, "media: write concat list")
	}
	return f.run(ctx, "could not mix the videos together",
		"-y", "-nostdin", "-f", "concat", "-safe", "0", "-i", listFile, "-c:v", "libx264", "-c:a", "aac", "-strict", "-2", out)
}

// ProbeSize returns the width and height of the first video stream.
func (f *FFmpeg) ProbeSize(ctx context.Context, video string) (int, int, error) {
	out, err := f.exec(ctx, f.probe, "could not read video dimensions",
		"-v", "error", "-select_streams", "v:0", "-show_entries", "stream=width,height", "-of", "csv=s=x:p=0", video)
	if err != nil {
		return 0, 0, err
	}
	dims := strings.Split(strings.TrimSpace(out), "x")
	if len(dims) != 2 {
		return 0, 0, automator.NewResponseError("unexpected ffprobe output", out, nil)
	}
	w, errW := strconv.Atoi(dims[0])
	h, errH := strconv.Atoi(dims[1])
	if errW != nil || errH != nil {
		return 0, 0, automator.NewResponseError("unexpected ffprobe output", out, nil)
	}
	return w, h, nil
}

// NormalizeCrop scales crop data relative to the reference width onto the
// native size of video.
func (f *FFmpeg) NormalizeCrop(ctx context.Context, video string, crop []float64) ([]int, error) {
	if len(crop) != 4 {
		return nil, automator.NewRequestError("the crop data is not in the correct format")
	}
	w, _, err := f.ProbeSize(ctx, video)
	if err != nil {
		return nil, err
	}
	return ScaleCrop(crop, w)
}
