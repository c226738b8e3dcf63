package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/landmarkseq/internal/landmarks"
	"github.com/andresmejia3/landmarkseq/internal/log"
	"github.com/andresmejia3/landmarkseq/internal/store"
	"github.com/andresmejia3/landmarkseq/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	pushSource string
	pullOutput string
	resetYes   bool
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Store and retrieve landmark sequences in PostgreSQL",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return openDB(cmd.Context())
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <sequence.lmsq>",
	Short: "Upload a sequence file to the archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		sess, err := landmarks.New(landmarks.WithLogger(log.Logger()))
		if err != nil {
			return err
		}
		if err := sess.Load(args[0]); err != nil {
			return err
		}

		// The source ID fingerprints the media the sequence was extracted
		// from when it is known, the artifact itself otherwise.
		origin := pushSource
		if origin == "" {
			origin = args[0]
		}
		sourceID, err := utils.GenerateSourceID(origin)
		if err != nil {
			return fmt.Errorf("failed to fingerprint %s: %w", origin, err)
		}

		id, err := DB.SaveSequence(ctx, filepath.Base(origin), sourceID, sess.Frames())
		if err != nil {
			return fmt.Errorf("failed to archive sequence: %w", err)
		}
		fmt.Fprintf(os.Stderr, "📦 Archived %d frames from %s\n", sess.Size(), args[0])
		fmt.Println(id)
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull <id>",
	Short: "Download an archived sequence into a sequence file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid sequence id %q: %w", args[0], err)
		}

		frames, err := DB.LoadSequence(cmd.Context(), id)
		if err != nil {
			return err
		}

		sess, err := landmarks.New(landmarks.WithLogger(log.Logger()))
		if err != nil {
			return err
		}
		for _, f := range frames {
			sess.Append(f)
		}

		out := pullOutput
		if out == "" {
			out = id.String() + ".lmsq"
		}
		if err := sess.Save(out); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "📥 Wrote %d frames to %s\n", sess.Size(), out)
		return nil
	},
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived sequences",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		list, err := DB.ListSequences(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sequences: %w", err)
		}
		writeSequenceList(os.Stdout, list)
		return nil
	},
}

var archiveDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove one archived sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid sequence id %q: %w", args[0], err)
		}
		if err := DB.DeleteSequence(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("🗑️  Deleted sequence %s\n", id)
		return nil
	},
}

var archiveResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every archive table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !resetYes && !confirm(bufio.NewReader(os.Stdin), "⚠️  Are you sure you want to DROP all archive tables?") {
			fmt.Println("Aborted.")
			return nil
		}
		fmt.Println("🗑️  Clearing Database...")
		if err := DB.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
		fmt.Println("✨ Archive Reset Complete.")
		return nil
	},
}

func init() {
	pushCmd.Flags().StringVar(&pushSource, "source", "", "Media the sequence was extracted from (used to fingerprint it)")
	pullCmd.Flags().StringVarP(&pullOutput, "output", "o", "", "Output sequence file (default: <id>.lmsq)")
	archiveResetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")

	archiveCmd.AddCommand(pushCmd, pullCmd, archiveListCmd, archiveDeleteCmd, archiveResetCmd)
	rootCmd.AddCommand(archiveCmd)
}

func writeSequenceList(out io.Writer, list []store.SequenceInfo) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No sequences found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tFRAMES\tFACES\tCREATED")
	fmt.Fprintln(w, "--\t------\t------\t-----\t-------")
	for _, si := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", si.ID, si.Source, si.FrameCount, si.FaceCount, si.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
