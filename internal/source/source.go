package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/landmarkseq/internal/types"
	"github.com/andresmejia3/landmarkseq/internal/utils"
)

const megabyte = 1024 * 1024

// Source yields decoded frames in order. Next returns io.EOF after the last one.
type Source interface {
	Next() (types.FrameTask, error)
	// Total is the expected number of frames Next will yield, or 0 when unknown.
	Total() int
	Close() error
}

// Open picks a source for path: a directory of images, a single image, or a
// video decoded through ffmpeg. Only every nth frame is yielded.
func Open(ctx context.Context, path string, nth int) (Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	nth = max(nth, 1)

	if fi.IsDir() || IsImage(path) {
		return NewImageSource(path, nth)
	}
	return NewVideoSource(ctx, path, nth)
}

// IsImage reports whether path has an image extension we can decode.
func IsImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// IsVideo reports whether path will be read through ffmpeg.
func IsVideo(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir() && !IsImage(path)
}

// --- Images ---

type ImageSource struct {
	paths []string
	next  int
}

func NewImageSource(path string, nth int) (*ImageSource, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var paths []string
	if fi.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() && IsImage(entry.Name()) {
				paths = append(paths, filepath.Join(path, entry.Name()))
			}
		}
		sort.Strings(paths)
	} else {
		paths = []string{path}
	}

	kept := paths[:0]
	for i, p := range paths {
		if i%max(nth, 1) == 0 {
			kept = append(kept, p)
		}
	}
	return &ImageSource{paths: kept}, nil
}

func (s *ImageSource) Total() int {
	return len(s.paths)
}

func (s *ImageSource) Next() (types.FrameTask, error) {
	if s.next >= len(s.paths) {
		return types.FrameTask{}, io.EOF
	}
	path := s.paths[s.next]

	f, err := os.Open(path)
	if err != nil {
		return types.FrameTask{}, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return types.FrameTask{}, fmt.Errorf("decode %s: %w", path, err)
	}

	task := types.FrameTask{Index: s.next, Name: filepath.Base(path), Image: img}
	s.next++
	return task, nil
}

func (s *ImageSource) Close() error {
	return nil
}

// --- Video ---

// VideoSource splits ffmpeg's MJPEG stream into frames.
type VideoSource struct {
	cmd     *exec.Cmd
	out     io.ReadCloser
	stderr  *bytes.Buffer
	scanner *bufio.Scanner
	nth     int
	total   int
	read    int
	emitted int
	base    string
	closed  bool
	waitErr error
}

func NewVideoSource(ctx context.Context, path string, nth int) (*VideoSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg is required to read %s: %w", path, err)
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, path)
	stderr := &bytes.Buffer{}
	ffmpeg.Stderr = stderr

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	nth = max(nth, 1)
	total := utils.GetTotalFrames(ctx, path)
	if total > 0 {
		total = (total + nth - 1) / nth
	}

	return &VideoSource{
		cmd:     ffmpeg,
		out:     out,
		stderr:  stderr,
		scanner: scanner,
		nth:     nth,
		total:   total,
		base:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}, nil
}

func (s *VideoSource) Total() int {
	return s.total
}

func (s *VideoSource) Next() (types.FrameTask, error) {
	for s.scanner.Scan() {
		idx := s.read
		s.read++
		if idx%s.nth != 0 {
			continue
		}

		img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
		if err != nil {
			return types.FrameTask{}, fmt.Errorf("decode frame %d: %w", idx, err)
		}
		s.emitted++
		return types.FrameTask{
			Index: idx,
			Name:  fmt.Sprintf("%s_%06d.png", s.base, idx),
			Image: img,
		}, nil
	}

	// Check for scanner errors (e.g. token too long, unexpected EOF)
	if err := s.scanner.Err(); err != nil {
		return types.FrameTask{}, fmt.Errorf("frame scanner failed: %w", err)
	}
	return types.FrameTask{}, io.EOF
}

// Close waits for ffmpeg and surfaces its logs on failure. It is safe to call
// more than once.
func (s *VideoSource) Close() error {
	if s.closed {
		return s.waitErr
	}
	s.closed = true
	s.out.Close()
	if err := s.cmd.Wait(); err != nil && s.emitted == 0 {
		s.waitErr = fmt.Errorf("ffmpeg execution failed: %w\n%s", err, s.stderr.String())
	}
	return s.waitErr
}
