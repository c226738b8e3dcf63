package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/landmarkseq/internal/landmarks"
	"github.com/andresmejia3/landmarkseq/internal/log"
	"github.com/andresmejia3/landmarkseq/internal/render"
	"github.com/andresmejia3/landmarkseq/internal/source"
	"github.com/andresmejia3/landmarkseq/internal/types"
	"github.com/andresmejia3/landmarkseq/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

const defaultFPS = 25.0

var (
	renderOpts     Options
	renderSequence string
	renderVideo    string
	renderFPS      float64
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Draw a stored landmark sequence over its source frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		c, err := applyOptions(cmd, cfg, renderOpts)
		if err != nil {
			return err
		}
		style, err := c.Style()
		if err != nil {
			return err
		}
		return runRender(cmd.Context(), renderOpts, c.NthFrame, c.Render.Workers, style)
	},
}

func init() {
	renderCmd.Flags().StringVarP(&renderOpts.InputPath, "input", "i", "", "Video, image, or image directory the sequence was extracted from")
	renderCmd.Flags().StringVarP(&renderSequence, "landmarks", "l", "", "Landmark sequence file (.lmsq)")
	renderCmd.Flags().StringVarP(&renderOpts.OutputPath, "output", "o", "rendered", "Directory for annotated PNG frames")
	renderCmd.Flags().StringVar(&renderVideo, "video", "", "Encode the annotated frames into this video instead of writing PNGs")
	renderCmd.Flags().Float64Var(&renderFPS, "fps", 0, "Frame rate for --video (default: source rate, or 25 for images)")
	renderCmd.Flags().IntVarP(&renderOpts.NthFrame, "nth-frame", "n", 1, "Frame interval used during extraction")
	renderCmd.Flags().BoolVar(&renderOpts.Labels, "labels", false, "Draw landmark indices")
	renderCmd.Flags().IntVar(&renderOpts.Thickness, "thickness", 1, "Line thickness in pixels")
	renderCmd.Flags().IntVarP(&renderOpts.NumWorkers, "workers", "j", 4, "Number of frames rendered in parallel")

	renderCmd.MarkFlagRequired("input")
	renderCmd.MarkFlagRequired("landmarks")
	rootCmd.AddCommand(renderCmd)
}

func runRender(ctx context.Context, opts Options, nth, workers int, style render.Style) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := landmarks.New(landmarks.WithLogger(log.Logger()))
	if err != nil {
		return err
	}
	if err := sess.Load(renderSequence); err != nil {
		return err
	}

	src, err := source.Open(ctx, opts.InputPath, nth)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer src.Close()

	if total := src.Total(); total > 0 && total != sess.Size() {
		log.Warn(log.Fields{"frames": total, "sequence": sess.Size()}, "input and sequence lengths differ")
	}

	total := sess.Size()
	if total == 0 {
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎨 Rendering"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var n int
	if renderVideo != "" {
		n, err = renderToVideo(ctx, src, sess, style, bar)
	} else {
		n, err = renderToFrames(ctx, src, sess, style, workers, opts.OutputPath, bar)
	}
	if err != nil {
		return err
	}
	bar.Finish()

	if n < sess.Size() {
		log.Warn(log.Fields{"rendered": n, "sequence": sess.Size()}, "input ended before the sequence")
	}

	dest := opts.OutputPath
	if renderVideo != "" {
		dest = renderVideo
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Render Complete. %d frames -> %s\n", n, dest)
	return nil
}

// nextPair reads the next source frame together with its stored landmarks.
func nextPair(src source.Source, sess *landmarks.Session, i int) (types.FrameTask, types.Frame, error) {
	task, err := src.Next()
	if err != nil {
		return types.FrameTask{}, types.Frame{}, err
	}
	frame, err := sess.At(i)
	if err != nil {
		return types.FrameTask{}, types.Frame{}, fmt.Errorf("input has more frames than the sequence (%d): %w", sess.Size(), err)
	}
	return task, frame, nil
}

func renderToFrames(ctx context.Context, src source.Source, sess *landmarks.Session, style render.Style, workers int, outDir string, bar *progressbar.ProgressBar) (int, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	n := 0
	for ; ; n++ {
		if gctx.Err() != nil {
			break
		}
		task, frame, err := nextPair(src, sess, n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			g.Wait()
			return n, err
		}

		g.Go(func() error {
			img := drawFrame(task.Image, frame, style)
			if err := writePNG(filepath.Join(outDir, pngName(task.Name)), img); err != nil {
				return err
			}
			bar.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return n, err
	}
	return n, ctx.Err()
}

func renderToVideo(ctx context.Context, src source.Source, sess *landmarks.Session, style render.Style, bar *progressbar.ProgressBar) (int, error) {
	var (
		encoder *exec.Cmd
		stdin   io.WriteCloser
		stderr  bytes.Buffer
		size    image.Point
	)

	n := 0
	for ; ; n++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		task, frame, err := nextPair(src, sess, n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}

		img := drawFrame(task.Image, frame, style)
		if encoder == nil {
			size = img.Rect.Size()
			fps := renderFPS
			if fps <= 0 {
				fps = sourceFPS(ctx, renderOpts.InputPath)
			}
			encoder = utils.NewFFmpegEncoder(ctx, renderVideo, fps, size.X, size.Y)
			encoder.Stderr = &stderr
			if stdin, err = encoder.StdinPipe(); err != nil {
				return n, fmt.Errorf("failed to create encoder pipe: %w", err)
			}
			if err := encoder.Start(); err != nil {
				return n, fmt.Errorf("failed to start FFmpeg encoder: %w", err)
			}
		} else if img.Rect.Size() != size {
			stdin.Close()
			encoder.Wait()
			return n, fmt.Errorf("frame %s is %v, video is %v", task.Name, img.Rect.Size(), size)
		}

		if _, err := stdin.Write(img.Pix); err != nil {
			stdin.Close()
			encoder.Wait()
			return n, fmt.Errorf("failed to write frame to encoder: %w\n%s", err, stderr.String())
		}
		bar.Add(1)
	}

	if encoder == nil {
		return 0, errors.New("no frames to encode")
	}
	stdin.Close()
	if err := encoder.Wait(); err != nil {
		return n, fmt.Errorf("FFmpeg encoder failed: %w\n%s", err, stderr.String())
	}
	return n, nil
}

// sourceFPS is the frame rate of a video input, or defaultFPS for images.
func sourceFPS(ctx context.Context, path string) float64 {
	if !source.IsVideo(path) {
		return defaultFPS
	}
	fps, err := utils.GetVideoFPS(ctx, path)
	if err != nil || fps <= 0 {
		log.Warn(log.Fields{"path": path, "fallback": defaultFPS}, "could not read source frame rate")
		return defaultFPS
	}
	return fps
}

// drawFrame copies src into a fresh RGBA image anchored at the origin and
// draws frame on top of it.
func drawFrame(src image.Image, frame types.Frame, style render.Style) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	render.Frame(render.NewImageCanvas(dst), frame, style)
	return dst
}

func pngName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".png"
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := png.Encode(w, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
