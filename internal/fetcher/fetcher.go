// Package fetcher adapts the external yt-dlp tool: channel enumeration,
// single-item metadata probes and media downloads with progress events.
package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrFetchTimeout reports that an external fetch exceeded its hard timeout.
var ErrFetchTimeout = errors.New("fetch timed out")

// ErrParse reports that the tool produced no parseable output.
var ErrParse = errors.New("failed to parse fetcher output")

// ExitError reports a non-zero tool exit.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("fetcher exited with code %d: %s", e.Code, strings.TrimSpace(e.Stderr))
}

// killGrace is how long a cancelled tool gets to exit before being killed.
const killGrace = 5 * time.Second

// Metadata describes one remote item as reported by the tool.
type Metadata struct {
	ID          string
	Title       string
	Description string
	Thumbnail   string
	Duration    *int // seconds
	Timestamp   *time.Time
	Channel     string
	ChannelID   string
}

// Progress is one download progress event.
type Progress struct {
	Status         string
	Percent        float64
	BytesPerSecond float64
	ETA            time.Duration
}

// ProgressSink receives progress events during a fetch.
type ProgressSink interface {
	OnProgress(Progress)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(Progress)

// OnProgress implements ProgressSink.
func (f ProgressFunc) OnProgress(p Progress) { f(p) }

// Options configure the fetcher.
type Options struct {
	BinPath          string
	EnumerateTimeout time.Duration
	ProbeTimeout     time.Duration
	FetchTimeout     time.Duration
	// SpawnsPerSecond bounds how fast new tool processes may start; 0
	// disables the limit.
	SpawnsPerSecond float64
}

// Fetcher shells out to yt-dlp.
type Fetcher struct {
	bin              string
	enumerateTimeout time.Duration
	probeTimeout     time.Duration
	fetchTimeout     time.Duration
	limiter          *rate.Limiter
}

// New creates a fetcher with the given options.
func New(opts Options) *Fetcher {
	f := &Fetcher{
		bin:              opts.BinPath,
		enumerateTimeout: opts.EnumerateTimeout,
		probeTimeout:     opts.ProbeTimeout,
		fetchTimeout:     opts.FetchTimeout,
	}
	if f.bin == "" {
		f.bin = "yt-dlp"
	}
	if opts.SpawnsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.SpawnsPerSecond), 1)
	}
	return f
}

// rawEntry is the subset of yt-dlp's JSON output the service consumes.
type rawEntry struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Thumbnail   string  `json:"thumbnail"`
	Duration    float64 `json:"duration"`
	Timestamp   int64   `json:"timestamp"`
	Channel     string  `json:"channel"`
	ChannelID   string  `json:"channel_id"`
}

func (r rawEntry) toMetadata() Metadata {
	md := Metadata{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Thumbnail:   r.Thumbnail,
		Channel:     r.Channel,
		ChannelID:   r.ChannelID,
	}
	if r.Duration > 0 {
		d := int(r.Duration)
		md.Duration = &d
	}
	if r.Timestamp > 0 {
		t := time.Unix(r.Timestamp, 0).UTC()
		md.Timestamp = &t
	}
	return md
}

// Enumerate lists a channel's items, newest data as the tool reports it.
// Output is JSON-per-line; malformed lines are skipped with a warning.
func (f *Fetcher) Enumerate(ctx context.Context, channelURL string) ([]Metadata, error) {
	stdout, err := f.run(ctx, f.enumerateTimeout, nil,
		"--dump-json", "--flat-playlist", "--no-warnings", channelURL)
	if err != nil {
		return nil, err
	}
	return parseEntries(stdout)
}

// Probe returns metadata for a single item.
func (f *Fetcher) Probe(ctx context.Context, itemURL string) (*Metadata, error) {
	stdout, err := f.run(ctx, f.probeTimeout, nil,
		"--dump-json", "--no-playlist", "--no-warnings", itemURL)
	if err != nil {
		return nil, err
	}
	entries, err := parseEntries(stdout)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrParse
	}
	return &entries[0], nil
}

// Fetch downloads one item to outputPath, creating intermediate directories,
// and returns the final path. Progress events are forwarded to sink when
// non-nil.
func (f *Fetcher) Fetch(ctx context.Context, itemURL, outputPath string, sink ProgressSink) (string, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	_, err := f.run(ctx, f.fetchTimeout, sink,
		"-o", outputPath, "--newline", "--no-playlist", "--no-warnings", itemURL)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(outputPath); err != nil {
		return "", fmt.Errorf("fetch reported success but output is missing: %w", err)
	}
	return outputPath, nil
}

// run executes the tool under the given timeout, streaming stdout lines to
// the progress parser when a sink is set.
func (f *Fetcher) run(ctx context.Context, timeout time.Duration, sink ProgressSink, args ...string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, f.bin, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr

	if sink == nil {
		cmd.Stdout = &stdout
		err := cmd.Run()
		return stdout.Bytes(), f.mapRunError(ctx, runCtx, err, stderr.String())
	}

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start fetcher: %w", err)
	}

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		if p, ok := parseProgressLine(line); ok {
			sink.OnProgress(p)
		}
	}

	err = cmd.Wait()
	return stdout.Bytes(), f.mapRunError(ctx, runCtx, err, stderr.String())
}

// mapRunError translates process failure into the adapter's error kinds:
// timeout, cancellation, or a carried exit code.
func (f *Fetcher) mapRunError(parent, runCtx context.Context, err error, stderr string) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return ErrFetchTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Stderr: stderr}
	}
	return fmt.Errorf("fetcher failed: %w", err)
}

func parseEntries(out []byte) ([]Metadata, error) {
	var entries []Metadata
	sawContent := false

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sawContent = true

		var raw rawEntry
		if err := json.Unmarshal([]byte(line), &raw); err != nil || raw.ID == "" {
			slog.Warn("Skipping malformed fetcher output line", "line", truncate(line, 120))
			continue
		}
		entries = append(entries, raw.toMetadata())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fetcher output: %w", err)
	}

	if sawContent && len(entries) == 0 {
		return nil, ErrParse
	}
	return entries, nil
}

// progressRe matches yt-dlp's per-line progress output, e.g.
// "[download]  42.1% of 10.00MiB at 1.23MiB/s ETA 00:05".
var progressRe = regexp.MustCompile(`^\[download\]\s+([\d.]+)%(?:\s+of\s+~?\S+)?(?:\s+at\s+(\S+)/s)?(?:\s+ETA\s+(\S+))?`)

func parseProgressLine(line string) (Progress, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}

	p := Progress{Status: "downloading"}
	p.Percent, _ = strconv.ParseFloat(m[1], 64)
	if m[2] != "" {
		p.BytesPerSecond = parseByteRate(m[2])
	}
	if m[3] != "" {
		p.ETA = parseETA(m[3])
	}
	return p, true
}

func parseByteRate(s string) float64 {
	multipliers := []struct {
		suffix string
		factor float64
	}{
		{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10}, {"B", 1},
	}
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(s, m.suffix), 64)
			if err != nil {
				return 0
			}
			return v * m.factor
		}
	}
	return 0
}

func parseETA(s string) time.Duration {
	parts := strings.Split(s, ":")
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
