// Package transcoder adapts the external ffmpeg/ffprobe tools to produce
// podcast audio and video artifacts from a fetched file.
package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrTranscodeTimeout reports that a transcode exceeded its hard timeout.
var ErrTranscodeTimeout = errors.New("transcode timed out")

// ExitError reports a non-zero ffmpeg/ffprobe exit.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("transcoder exited with code %d: %s", e.Code, strings.TrimSpace(e.Stderr))
}

const killGrace = 5 * time.Second

// Result describes one finished transcode.
type Result struct {
	Success        bool
	ExitCode       int
	Elapsed        time.Duration
	OutputPath     string
	OutputFileSize int64
}

// MediaInfo is the probe result for a media file.
type MediaInfo struct {
	DurationSeconds float64
	FormatName      string
	SizeBytes       int64
	BitRate         int64
}

// Progress is one transcode progress event.
type Progress struct {
	Percent float64
	OutTime time.Duration
}

// ProgressSink receives progress events during a transcode.
type ProgressSink interface {
	OnProgress(Progress)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(Progress)

// OnProgress implements ProgressSink.
func (f ProgressFunc) OnProgress(p Progress) { f(p) }

// Options configure the transcoder.
type Options struct {
	FFmpegPath  string
	FFprobePath string

	AudioFormat     string // mp3, m4a, aac, ogg
	AudioBitrate    string // e.g. 128k
	AudioSampleRate int    // e.g. 44100

	VideoFormat  string // mp4, webm
	VideoCodec   string // h264, h265, vp9, av1
	VideoQuality int    // CRF

	TranscodeTimeout time.Duration
	ProbeTimeout     time.Duration
}

// Transcoder shells out to ffmpeg and ffprobe.
type Transcoder struct {
	opts Options
}

// New creates a transcoder with the given options, filling binary defaults.
func New(opts Options) *Transcoder {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = "mp3"
	}
	if opts.VideoFormat == "" {
		opts.VideoFormat = "mp4"
	}
	return &Transcoder{opts: opts}
}

// AudioExt returns the file extension for audio artifacts.
func (t *Transcoder) AudioExt() string { return t.opts.AudioFormat }

// VideoExt returns the file extension for video artifacts.
func (t *Transcoder) VideoExt() string { return t.opts.VideoFormat }

var audioCodecs = map[string]string{
	"mp3": "libmp3lame",
	"m4a": "aac",
	"aac": "aac",
	"ogg": "libvorbis",
}

var videoCodecs = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"vp9":  "libvpx-vp9",
	"av1":  "libaom-av1",
}

// TranscodeAudio produces the audio artifact for inputPath at outputPath.
// Audio is always stereo.
func (t *Transcoder) TranscodeAudio(ctx context.Context, inputPath, outputPath string, sink ProgressSink) (*Result, error) {
	codec, ok := audioCodecs[t.opts.AudioFormat]
	if !ok {
		return nil, fmt.Errorf("unsupported audio format %q", t.opts.AudioFormat)
	}

	args := []string{
		"-i", inputPath,
		"-vn",
		"-acodec", codec,
		"-ac", "2",
	}
	if t.opts.AudioBitrate != "" {
		args = append(args, "-b:a", t.opts.AudioBitrate)
	}
	if t.opts.AudioSampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(t.opts.AudioSampleRate))
	}
	return t.transcode(ctx, inputPath, outputPath, args, sink)
}

// TranscodeVideo produces the video artifact for inputPath at outputPath.
// The encoder preset is fixed at medium.
func (t *Transcoder) TranscodeVideo(ctx context.Context, inputPath, outputPath string, sink ProgressSink) (*Result, error) {
	codec, ok := videoCodecs[t.opts.VideoCodec]
	if !ok {
		return nil, fmt.Errorf("unsupported video codec %q", t.opts.VideoCodec)
	}

	args := []string{
		"-i", inputPath,
		"-c:v", codec,
		"-preset", "medium",
		"-c:a", "aac",
	}
	if t.opts.VideoQuality > 0 {
		args = append(args, "-crf", strconv.Itoa(t.opts.VideoQuality))
	}
	return t.transcode(ctx, inputPath, outputPath, args, sink)
}

func (t *Transcoder) transcode(ctx context.Context, inputPath, outputPath string, args []string, sink ProgressSink) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	// Total duration drives the percent in progress events; best effort.
	var total time.Duration
	if info, err := t.ProbeMediaInfo(ctx, inputPath); err == nil {
		total = time.Duration(info.DurationSeconds * float64(time.Second))
	}

	args = append(args, "-progress", "pipe:1", "-nostats", "-y", outputPath)

	runCtx := ctx
	var cancel context.CancelFunc
	if t.opts.TranscodeTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.opts.TranscodeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, t.opts.FFmpegPath, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = killGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	var runErr error

	if sink == nil {
		runErr = cmd.Run()
	} else {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start transcoder: %w", err)
		}
		scanner := bufio.NewScanner(pipe)
		for scanner.Scan() {
			if p, ok := parseProgressLine(scanner.Text(), total); ok {
				sink.OnProgress(p)
			}
		}
		runErr = cmd.Wait()
	}
	elapsed := time.Since(start)

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTranscodeTimeout
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return &Result{Success: false, ExitCode: exitErr.ExitCode(), Elapsed: elapsed},
				&ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("transcoder failed: %w", runErr)
	}

	fi, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("transcode reported success but output is missing: %w", err)
	}

	return &Result{
		Success:        true,
		ExitCode:       0,
		Elapsed:        elapsed,
		OutputPath:     outputPath,
		OutputFileSize: fi.Size(),
	}, nil
}

// ProbeMediaInfo inspects a media file with ffprobe.
func (t *Transcoder) ProbeMediaInfo(ctx context.Context, path string) (*MediaInfo, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if t.opts.ProbeTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.opts.ProbeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, t.opts.FFprobePath,
		"-v", "quiet", "-print_format", "json", "-show_format", path)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTranscodeTimeout
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("probe failed: %w", err)
	}

	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(out []byte) (*MediaInfo, error) {
	var probe struct {
		Format struct {
			FormatName string `json:"format_name"`
			Duration   string `json:"duration"`
			Size       string `json:"size"`
			BitRate    string `json:"bit_rate"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse probe output: %w", err)
	}

	info := &MediaInfo{FormatName: probe.Format.FormatName}
	info.DurationSeconds, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	info.SizeBytes, _ = strconv.ParseInt(probe.Format.Size, 10, 64)
	info.BitRate, _ = strconv.ParseInt(probe.Format.BitRate, 10, 64)
	return info, nil
}

// parseProgressLine handles ffmpeg's -progress key=value output.
func parseProgressLine(line string, total time.Duration) (Progress, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found || key != "out_time_ms" {
		return Progress{}, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return Progress{}, false
	}

	// out_time_ms is in microseconds despite the name.
	p := Progress{OutTime: time.Duration(us) * time.Microsecond}
	if total > 0 {
		p.Percent = float64(p.OutTime) / float64(total) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	return p, true
}
