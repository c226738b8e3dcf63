package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// The process is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps Python logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 LANDMARKSEQ ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy: ShowError, then exit 1.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Video Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

type ffprobeOutput struct {
	Streams []struct {
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		RFrameRate    string `json:"r_frame_rate"`
	} `json:"streams"`
}

// GetTotalFrames uses ffprobe to count packets for the progress bar
// It returns 0 if the count fails, allowing the caller to fall back to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Cannot provide a progress bar estimation because of this.\n")
		return 0
	}

	// 1. Fast Path: Check Container Metadata
	// This is instant but might return "N/A" or be inaccurate for VFR.
	cmdFast := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	if out, err := cmdFast.Output(); err == nil {
		var res ffprobeOutput
		if json.Unmarshal(out, &res) == nil && len(res.Streams) > 0 {
			if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
				return count
			}
		}
	}

	// 2. Slow Path: Count Packets (Fallback)
	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)

	out, err := cmd.Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe failed: %v\n", err)
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe JSON parse error: %v\n", err)
		return 0
	}
	if len(res.Streams) == 0 {
		return 0
	}

	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe integer parse error: %v\n", err)
		return 0
	}
	return count
}

// GetVideoFPS reads the average frame rate of the first video stream.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate,r_frame_rate", "-of", "json", path).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return 0, fmt.Errorf("no video stream in %s", path)
	}

	for _, rate := range []string{res.Streams[0].AvgFrameRate, res.Streams[0].RFrameRate} {
		if fps, err := ParseRate(rate); err == nil {
			return fps, nil
		}
	}
	return 0, fmt.Errorf("no usable frame rate in %s", path)
}

// ParseRate parses ffprobe rationals such as "30000/1001" or plain "25".
func ParseRate(s string) (float64, error) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	d := 1.0
	if found {
		if d, err = strconv.ParseFloat(den, 64); err != nil {
			return 0, err
		}
	}
	if n <= 0 || d <= 0 {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	return n / d, nil
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(ctx context.Context, inputPath string) *exec.Cmd {
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	// Added -hide_banner and -loglevel error to prevent memory bloat in stderr buffer
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-i", inputPath, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
}

// NewFFmpegEncoder reads raw RGBA frames of the given size on Stdin and writes an H.264 video.
func NewFFmpegEncoder(ctx context.Context, outputPath string, fps float64, width, height int) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		outputPath)
}

// GenerateSourceID creates a deterministic hash for an input file or directory
// based on its path, size, and modification time.
func GenerateSourceID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
