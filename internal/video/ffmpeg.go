// Package video decodes uploaded videos and live still frames.
package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/deepfake-check/internal/inference"
)

const megabyte = 1024 * 1024

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// FFmpegReader samples frames by shelling out to ffprobe and ffmpeg.
type FFmpegReader struct {
	FFmpegPath  string
	FFprobePath string
	logger      *zap.Logger
}

// NewFFmpegReader returns a reader using the binaries found on PATH.
func NewFFmpegReader(logger *zap.Logger) *FFmpegReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegReader{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", logger: logger.Named("ffmpeg_reader")}
}

// ReadFrames returns up to n frames taken at a uniform stride across the
// whole video. Every failure wraps inference.ErrDecode.
func (r *FFmpegReader) ReadFrames(ctx context.Context, path string, n int) ([]image.Image, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: frame count must be positive", inference.ErrDecode)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", inference.ErrDecode, err)
	}

	total := r.countFrames(ctx, path)
	stride := SampleStride(total, n)

	cmd := exec.CommandContext(ctx, r.FFmpegPath, ffmpegArgs(path, stride, n)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg stdout: %w", inference.ErrDecode, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %w", inference.ErrDecode, err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJPEG)

	frames := make([]image.Image, 0, n)
	for scanner.Scan() && len(frames) < n {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			r.logger.Debug("skipping undecodable frame", zap.String("path", path), zap.Error(err))
			continue
		}
		frames = append(frames, img)
	}
	scanErr := scanner.Err()
	// drain so ffmpeg is not left blocked on a full pipe
	_, _ = io.Copy(io.Discard, out)
	waitErr := cmd.Wait()

	if len(frames) == 0 {
		msg := strings.TrimSpace(stderr.String())
		switch {
		case waitErr != nil:
			return nil, fmt.Errorf("%w: ffmpeg: %w: %s", inference.ErrDecode, waitErr, msg)
		case scanErr != nil:
			return nil, fmt.Errorf("%w: read frames: %w", inference.ErrDecode, scanErr)
		default:
			return nil, fmt.Errorf("%w: no frames decoded", inference.ErrDecode)
		}
	}
	return frames, nil
}

// countFrames asks ffprobe for the container frame count, 0 when unknown.
func (r *FFmpegReader) countFrames(ctx context.Context, path string) int {
	cmd := exec.CommandContext(ctx, r.FFprobePath, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		r.logger.Debug("ffprobe failed", zap.String("path", path), zap.Error(err))
		return 0
	}
	return parseFrameCount(out)
}

func parseFrameCount(out []byte) int {
	var res struct {
		Streams []struct {
			NbFrames string `json:"nb_frames"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbFrames)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// SampleStride spreads n samples uniformly over total frames. Unknown or
// short videos use every frame.
func SampleStride(total, n int) int {
	if total <= 0 || n <= 0 || total <= n {
		return 1
	}
	return total / n
}

func ffmpegArgs(path string, stride, n int) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", path}
	if stride > 1 {
		args = append(args, "-vf", fmt.Sprintf("select=not(mod(n\\,%d))", stride), "-vsync", "vfr")
	}
	return append(args, "-frames:v", strconv.Itoa(n), "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// SplitJPEG is a bufio.SplitFunc yielding whole JPEG images delimited by
// the SOI and EOI markers.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], jpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}
