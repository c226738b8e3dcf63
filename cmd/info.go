package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/landmarkseq/internal/landmarks"
	"github.com/andresmejia3/landmarkseq/internal/log"
	"github.com/andresmejia3/landmarkseq/internal/render"
	"github.com/andresmejia3/landmarkseq/internal/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	infoJSON   bool
	infoFrames bool
)

var infoCmd = &cobra.Command{
	Use:   "info <sequence.lmsq>",
	Short: "Summarize a stored landmark sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		sess, err := landmarks.New(landmarks.WithLogger(log.Logger()))
		if err != nil {
			return err
		}
		if err := sess.Load(args[0]); err != nil {
			return err
		}

		sum := summarize(args[0], sess.Frames(), infoFrames)
		if infoJSON {
			return writeSummaryJSON(os.Stdout, sum)
		}
		writeSummaryTable(os.Stdout, sum)
		return nil
	},
}

func init() {
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Print the summary as JSON")
	infoCmd.Flags().BoolVar(&infoFrames, "frames", false, "Include one row per frame")
	rootCmd.AddCommand(infoCmd)
}

type frameSummary struct {
	Index  int `json:"index"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Faces  int `json:"faces"`
	Points int `json:"points"`
}

type sequenceSummary struct {
	Path        string         `json:"path"`
	Frames      int            `json:"frames"`
	Faces       int            `json:"faces"`
	EmptyFrames int            `json:"empty_frames"`
	MaxFaces    int            `json:"max_faces"`
	DenseFaces  int            `json:"dense_faces"`
	Sizes       []string       `json:"sizes"`
	PerFrame    []frameSummary `json:"per_frame,omitempty"`
}

// summarize counts faces and landmark schemes across frames. A face is dense
// when it carries the full 68-point layout.
func summarize(path string, frames []types.Frame, perFrame bool) sequenceSummary {
	sum := sequenceSummary{Path: path, Frames: len(frames), Sizes: []string{}}
	sizes := map[string]bool{}

	for i, f := range frames {
		n := len(f.Faces)
		sum.Faces += n
		sum.MaxFaces = max(sum.MaxFaces, n)
		if n == 0 {
			sum.EmptyFrames++
		}

		points := 0
		for _, face := range f.Faces {
			points += len(face.Landmarks)
			if len(face.Landmarks) == render.DenseLandmarkCount {
				sum.DenseFaces++
			}
		}

		sizes[fmt.Sprintf("%dx%d", f.Width, f.Height)] = true
		if perFrame {
			sum.PerFrame = append(sum.PerFrame, frameSummary{
				Index: i, Width: f.Width, Height: f.Height, Faces: n, Points: points,
			})
		}
	}

	for s := range sizes {
		sum.Sizes = append(sum.Sizes, s)
	}
	sort.Strings(sum.Sizes)
	return sum
}

func writeSummaryJSON(w io.Writer, sum sequenceSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

func writeSummaryTable(out io.Writer, sum sequenceSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "SEQUENCE\t%s\n", sum.Path)
	fmt.Fprintf(w, "FRAMES\t%d\n", sum.Frames)
	fmt.Fprintf(w, "FACES\t%d (max %d per frame, %d dense)\n", sum.Faces, sum.MaxFaces, sum.DenseFaces)
	fmt.Fprintf(w, "EMPTY FRAMES\t%d\n", sum.EmptyFrames)
	fmt.Fprintf(w, "SIZES\t%v\n", sum.Sizes)

	if len(sum.PerFrame) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "INDEX\tSIZE\tFACES\tPOINTS")
		fmt.Fprintln(w, "-----\t----\t-----\t------")
		for _, f := range sum.PerFrame {
			fmt.Fprintf(w, "%d\t%dx%d\t%d\t%d\n", f.Index, f.Width, f.Height, f.Faces, f.Points)
		}
	}
	w.Flush()
}
