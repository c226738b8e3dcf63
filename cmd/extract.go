package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/landmarkseq/internal/landmarks"
	"github.com/andresmejia3/landmarkseq/internal/log"
	"github.com/andresmejia3/landmarkseq/internal/source"
	"github.com/andresmejia3/landmarkseq/internal/utils"
	"github.com/andresmejia3/landmarkseq/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var extractOpts Options

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Detect faces and 68-point landmarks in a video or image sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		c, err := applyOptions(cmd, cfg, extractOpts)
		if err != nil {
			return err
		}
		return runExtract(cmd.Context(), extractOpts, c.Model, c.Engine, c.Scale, c.NthFrame, c.WorkerConfig())
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractOpts.InputPath, "input", "i", "", "Path to a video, an image, or a directory of images")
	extractCmd.Flags().StringVarP(&extractOpts.OutputPath, "output", "o", "sequence.lmsq", "Path of the landmark sequence to write")
	extractCmd.Flags().StringVarP(&extractOpts.ModelPath, "model", "m", "", "Path to the dlib shape predictor (.dat)")
	extractCmd.Flags().StringVar(&extractOpts.Engine, "engine", "python", "Landmark engine")
	extractCmd.Flags().Float64VarP(&extractOpts.Scale, "scale", "s", 1, "Downscale factor applied before detection, in (0, 1]")
	extractCmd.Flags().IntVarP(&extractOpts.NthFrame, "nth-frame", "n", 1, "Only process every nth frame")
	extractCmd.Flags().StringVar(&extractOpts.WorkerTimeout, "worker-timeout", "30s", "Timeout for the worker to answer a single request")

	extractCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(ctx context.Context, opts Options, modelPath, engine string, scale float64, nth int, wc worker.Config) error {
	// Children (ffmpeg, python) die with us on early return.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if modelPath == "" {
		return errors.New("no model configured: pass --model or set 'model' in the config file")
	}

	loader, err := worker.LoaderFor(ctx, engine, wc)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "🧠 Loading model %s...\n", modelPath)
	sess, err := landmarks.New(
		landmarks.WithLoader(loader),
		landmarks.WithScale(scale),
		landmarks.WithModelPath(modelPath),
		landmarks.WithLogger(log.Logger()),
	)
	if err != nil {
		return err
	}
	defer sess.Close()

	src, err := source.Open(ctx, opts.InputPath, nth)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer src.Close()

	total := src.Total()
	if total <= 0 {
		// Spinner when ffprobe could not tell us
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Extracting landmarks"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	faces := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}

		frame, err := sess.Ingest(task.Image)
		if err != nil {
			if w, ok := sess.Model().(*worker.LandmarkWorker); ok {
				w.Close()
				utils.ShowError(fmt.Sprintf("Landmark extraction failed on %s", task.Name), err, w.Cmd)
				return reportedError{err}
			}
			return fmt.Errorf("frame %s: %w", task.Name, err)
		}
		faces += len(frame.Faces)
		bar.Add(1)
	}
	bar.Finish()

	// Close surfaces decoder failures that ended the stream early.
	if err := src.Close(); err != nil {
		return err
	}

	if err := sess.Save(opts.OutputPath); err != nil {
		return fmt.Errorf("failed to save sequence: %w", err)
	}

	log.Info(log.Fields{"frames": sess.Size(), "faces": faces, "output": opts.OutputPath}, "sequence written")
	fmt.Fprintf(os.Stderr, "\n🏁 Extraction Complete. %d frames, %d faces -> %s\n", sess.Size(), faces, opts.OutputPath)
	return nil
}
