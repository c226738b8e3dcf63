package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/landmarkseq/internal/config"
	"github.com/andresmejia3/landmarkseq/internal/landmarks"
	"github.com/andresmejia3/landmarkseq/internal/render"
	"github.com/andresmejia3/landmarkseq/internal/store"
	"github.com/andresmejia3/landmarkseq/internal/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func testFrames() []types.Frame {
	pts := make([]types.Point, render.DenseLandmarkCount)
	for i := range pts {
		pts[i] = types.Point{X: 4 + i%8, Y: 4 + i/8}
	}
	return []types.Frame{
		{Width: 16, Height: 16, Faces: []types.Face{
			{BBox: types.BoundingBox{X: 2, Y: 2, Width: 12, Height: 12}, Landmarks: pts},
		}},
		{Width: 16, Height: 16},
		{Width: 32, Height: 16, Faces: []types.Face{
			{BBox: types.BoundingBox{X: 1, Y: 1, Width: 5, Height: 5}, Landmarks: []types.Point{{X: 3, Y: 3}}},
			{BBox: types.BoundingBox{X: 9, Y: 1, Width: 5, Height: 5}},
		}},
	}
}

func writeSequence(t *testing.T, frames []types.Frame) string {
	t.Helper()
	sess, err := landmarks.New()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range frames {
		sess.Append(f)
	}
	path := filepath.Join(t.TempDir(), "seq.lmsq")
	if err := sess.Save(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeImages(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewGray(image.Rect(0, 0, 16, 16))
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%03d.png", i)))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	return dir
}

func TestApplyOptions(t *testing.T) {
	newCmd := func() (*cobra.Command, *Options) {
		var opts Options
		c := &cobra.Command{Use: "test"}
		c.Flags().Float64Var(&opts.Scale, "scale", 1, "")
		c.Flags().IntVar(&opts.NthFrame, "nth-frame", 1, "")
		c.Flags().StringVar(&opts.ModelPath, "model", "", "")
		c.Flags().StringVar(&opts.WorkerTimeout, "worker-timeout", "30s", "")
		return c, &opts
	}

	base := config.Default()
	base.Scale = 0.5
	base.Model = "from-config.dat"

	t.Run("unset flags keep config values", func(t *testing.T) {
		c, opts := newCmd()
		got, err := applyOptions(c, base, *opts)
		if err != nil {
			t.Fatal(err)
		}
		if got.Scale != 0.5 || got.Model != "from-config.dat" {
			t.Errorf("config overwritten by defaults: %+v", got)
		}
	})

	t.Run("set flags win", func(t *testing.T) {
		c, opts := newCmd()
		c.Flags().Set("scale", "0.25")
		c.Flags().Set("model", "flag.dat")
		c.Flags().Set("worker-timeout", "2s")
		got, err := applyOptions(c, base, *opts)
		if err != nil {
			t.Fatal(err)
		}
		if got.Scale != 0.25 || got.Model != "flag.dat" || got.Worker.Timeout != 2*time.Second {
			t.Errorf("flags not applied: %+v", got)
		}
	})

	t.Run("invalid values fail validation", func(t *testing.T) {
		c, opts := newCmd()
		c.Flags().Set("nth-frame", "0")
		if _, err := applyOptions(c, base, *opts); err == nil || !strings.Contains(err.Error(), "NthFrame") {
			t.Errorf("Expected a NthFrame validation error, got %v", err)
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		c, opts := newCmd()
		c.Flags().Set("worker-timeout", "soon")
		if _, err := applyOptions(c, base, *opts); err == nil {
			t.Error("Expected an error for a malformed duration")
		}
	})
}

func TestResolveDBURL(t *testing.T) {
	defer func(old string, oldCfg config.Config) { dbURL, cfg = old, oldCfg }(dbURL, cfg)
	dbURL = ""
	cfg = config.Default()

	t.Setenv("POSTGRES_HOST", "")
	if got := resolveDBURL(); got != "postgres://localhost:5432/landmarkseq" {
		t.Errorf("default = %q", got)
	}

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "lm")
	t.Setenv("POSTGRES_PORT", "")
	if got := resolveDBURL(); got != "postgres://u:p@db:5432/lm" {
		t.Errorf("env = %q", got)
	}

	cfg.Database.URL = "postgres://cfg/lm"
	if got := resolveDBURL(); got != "postgres://cfg/lm" {
		t.Errorf("config = %q", got)
	}

	dbURL = "postgres://flag/lm"
	if got := resolveDBURL(); got != "postgres://flag/lm" {
		t.Errorf("flag = %q", got)
	}
}

func TestSummarize(t *testing.T) {
	sum := summarize("seq.lmsq", testFrames(), true)

	if sum.Frames != 3 || sum.Faces != 3 || sum.EmptyFrames != 1 || sum.MaxFaces != 2 || sum.DenseFaces != 1 {
		t.Errorf("unexpected counts: %+v", sum)
	}
	if len(sum.Sizes) != 2 || sum.Sizes[0] != "16x16" || sum.Sizes[1] != "32x16" {
		t.Errorf("sizes = %v", sum.Sizes)
	}
	if len(sum.PerFrame) != 3 || sum.PerFrame[0].Points != 68 || sum.PerFrame[2].Points != 1 {
		t.Errorf("per-frame rows = %+v", sum.PerFrame)
	}

	if brief := summarize("seq.lmsq", testFrames(), false); brief.PerFrame != nil {
		t.Error("per-frame rows included without being asked for")
	}
}

func TestSummaryOutput(t *testing.T) {
	sum := summarize("seq.lmsq", testFrames(), true)

	var table bytes.Buffer
	writeSummaryTable(&table, sum)
	for _, want := range []string{"FRAMES", "3", "INDEX", "32x16"} {
		if !strings.Contains(table.String(), want) {
			t.Errorf("table missing %q:\n%s", want, table.String())
		}
	}

	var js bytes.Buffer
	if err := writeSummaryJSON(&js, sum); err != nil {
		t.Fatal(err)
	}
	var back sequenceSummary
	if err := json.Unmarshal(js.Bytes(), &back); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, js.String())
	}
	if back.Faces != sum.Faces || len(back.PerFrame) != len(sum.PerFrame) {
		t.Errorf("JSON lost data: %+v", back)
	}
}

func TestDrawFrame(t *testing.T) {
	src := image.NewGray(image.Rect(10, 10, 26, 26))
	style := render.DefaultStyle()

	out := drawFrame(src, testFrames()[0], style)
	if out.Rect != image.Rect(0, 0, 16, 16) {
		t.Fatalf("output bounds = %v", out.Rect)
	}
	if got := out.RGBAAt(2, 2); got != style.BoxColor {
		t.Errorf("box corner = %v, want %v", got, style.BoxColor)
	}
	if got := out.RGBAAt(0, 0); got != (color.RGBA{A: 255}) {
		t.Errorf("background = %v, want opaque black", got)
	}
	if src.GrayAt(12, 12).Y != 0 {
		t.Error("source image was modified")
	}
}

func TestPngName(t *testing.T) {
	tests := map[string]string{
		"clip_000010.png": "clip_000010.png",
		"a.jpeg":          "a.png",
		"noext":           "noext.png",
	}
	for in, want := range tests {
		if got := pngName(in); got != want {
			t.Errorf("pngName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := confirm(bufio.NewReader(strings.NewReader(tt.input)), "sure?"); got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestWriteSequenceList(t *testing.T) {
	var empty bytes.Buffer
	writeSequenceList(&empty, nil)
	if !strings.Contains(empty.String(), "No sequences") {
		t.Errorf("unexpected empty listing: %q", empty.String())
	}

	var buf bytes.Buffer
	id := uuid.New()
	writeSequenceList(&buf, []store.SequenceInfo{{ID: id, Source: "clip.mp4", FrameCount: 12, FaceCount: 30, CreatedAt: time.Now()}})
	if !strings.Contains(buf.String(), id.String()) || !strings.Contains(buf.String(), "clip.mp4") {
		t.Errorf("listing missing row: %s", buf.String())
	}
}

func TestRenderCommandWritesFrames(t *testing.T) {
	dir := writeImages(t, 2)
	seq := writeSequence(t, testFrames()[:2])
	out := filepath.Join(t.TempDir(), "rendered")

	rootCmd.SetArgs([]string{"render", "-i", dir, "-l", seq, "-o", out, "-j", "2"})
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("render failed: %v", err)
	}

	for _, name := range []string{"frame_000.png", "frame_001.png"} {
		f, err := os.Open(filepath.Join(out, name))
		if err != nil {
			t.Fatalf("missing output %s: %v", name, err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		if img.Bounds().Dx() != 16 {
			t.Errorf("%s has bounds %v", name, img.Bounds())
		}
	}
}

func TestRenderCommandRejectsShortSequence(t *testing.T) {
	dir := writeImages(t, 3)
	seq := writeSequence(t, testFrames()[:1])

	rootCmd.SetArgs([]string{"render", "-i", dir, "-l", seq, "-o", t.TempDir()})
	err := rootCmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "more frames than the sequence") {
		t.Errorf("Expected a length mismatch error, got %v", err)
	}
}

// TestArchiveRoundTrip pushes a sequence file through the archive commands and
// pulls it back into a new file.
func TestArchiveRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("landmarkseq_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	seq := writeSequence(t, testFrames())
	rootCmd.SetArgs([]string{"--db", connStr, "archive", "push", seq})
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if DB != nil {
		t.Error("connection left open after the command")
	}

	db, err := store.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	list, err := db.ListSequences(ctx)
	db.Close(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSequences = %v, %v", list, err)
	}
	if list[0].FrameCount != 3 || list[0].FaceCount != 3 || list[0].Source != "seq.lmsq" {
		t.Errorf("unexpected listing: %+v", list[0])
	}

	pulled := filepath.Join(t.TempDir(), "pulled.lmsq")
	rootCmd.SetArgs([]string{"--db", connStr, "archive", "pull", list[0].ID.String(), "-o", pulled})
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	sess, err := landmarks.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Load(pulled); err != nil {
		t.Fatal(err)
	}
	got := summarize(pulled, sess.Frames(), true)
	want := summarize(pulled, testFrames(), true)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("pulled sequence differs:\n got %+v\nwant %+v", got, want)
	}
}

type noopLogger struct{}

func (noopLogger) Printf(format string, v ...interface{}) {}
