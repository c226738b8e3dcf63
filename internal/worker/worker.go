package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/landmarkseq/internal/landmarks"
	"github.com/andresmejia3/landmarkseq/internal/types"
	"github.com/andresmejia3/landmarkseq/internal/utils"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrTimeout is returned when the worker does not answer within Config.ReadTimeout.
var ErrTimeout = errors.New("worker response timed out")

type Config struct {
	Python      string
	Script      string
	Upsample    int
	ReadTimeout time.Duration
}

// DefaultConfig runs the bundled dlib script with the system python3.
func DefaultConfig() Config {
	return Config{
		Python:      "python3",
		Script:      "python/landmark_worker.py",
		Upsample:    1,
		ReadTimeout: 30 * time.Second,
	}
}

// request is what Go sends: one op plus, when the image changed, its pixels.
type request struct {
	Op       string `msgpack:"op"`
	Width    int    `msgpack:"w,omitempty"`
	Height   int    `msgpack:"h,omitempty"`
	Channels int    `msgpack:"c,omitempty"`
	Pix      []byte `msgpack:"pix,omitempty"`
	Box      []int  `msgpack:"box,omitempty"`
}

type readyResponse struct {
	Ready bool   `msgpack:"ready"`
	Model string `msgpack:"model"`
}

type detectResponse struct {
	Boxes [][4]int `msgpack:"boxes"` // left, top, width, height
}

type predictResponse struct {
	Points [][2]int `msgpack:"points"`
}

// LandmarkWorker drives one Python process holding a dlib detector and shape
// predictor. It implements landmarks.Model.
type LandmarkWorker struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	// uploaded is the image whose pixels the process currently holds.
	uploaded image.Image
	closed   bool
	waitErr  error
}

func NewLandmarkWorker(ctx context.Context, modelPath string, cfg Config) (*LandmarkWorker, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script, modelPath, fmt.Sprint(cfg.Upsample))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("landmark worker failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	lw := &LandmarkWorker{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
	}

	// The script answers once before reading any request: either it loaded
	// the model or it explains why not.
	var ready readyResponse
	body, err := lw.readFrame()
	if err == nil {
		err = decodeResponse(body, &ready)
	}
	if err == nil && !ready.Ready {
		err = errors.New("worker did not report ready")
	}
	if err != nil {
		lw.Close()
		return nil, err
	}
	return lw, nil
}

// Communicate sends one framed request and waits for the framed response.
// Protocol: [Length uint32 BE][Data] in both directions.
func (w *LandmarkWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return w.readFrame()
}

func (w *LandmarkWorker) readFrame() ([]byte, error) {
	if w.timeout <= 0 {
		return readFrame(w.DataPipe)
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := readFrame(w.DataPipe)
		done <- result{body, err}
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.body, res.err
	case <-timer.C:
		// A stuck interpreter is not coming back; kill it so the reader unblocks.
		if w.Cmd != nil && w.Cmd.Process != nil {
			w.Cmd.Process.Kill()
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, w.timeout)
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err // This is where we catch a crashed interpreter
	}
	body := make([]byte, binary.BigEndian.Uint32(header))
	_, err := io.ReadFull(r, body)
	return body, err
}

// decodeResponse unpacks [Status][Payload]. Status 1 carries [MsgLen][Msg].
func decodeResponse(body []byte, out any) error {
	if len(body) == 0 {
		return errors.New("empty response from python worker")
	}
	switch body[0] {
	case 0:
		if err := msgpack.Unmarshal(body[1:], out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	case 1:
		if len(body) < 5 {
			return errors.New("python worker error: (truncated message)")
		}
		n := binary.BigEndian.Uint32(body[1:5])
		msg := body[5:]
		if uint32(len(msg)) > n {
			msg = msg[:n]
		}
		return fmt.Errorf("python worker error: %s", msg)
	}
	return fmt.Errorf("unknown response status %d", body[0])
}

func (w *LandmarkWorker) call(req request, out any) error {
	data, err := msgpack.Marshal(&req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	body, err := w.Communicate(data)
	if err != nil {
		return err
	}
	return decodeResponse(body, out)
}

func (w *LandmarkWorker) Detect(img image.Image) ([]types.BoundingBox, error) {
	req := request{Op: "detect"}
	attachPixels(&req, img)

	var resp detectResponse
	if err := w.call(req, &resp); err != nil {
		w.uploaded = nil
		return nil, err
	}
	w.uploaded = cacheable(img)

	boxes := make([]types.BoundingBox, len(resp.Boxes))
	for i, b := range resp.Boxes {
		boxes[i] = types.BoundingBox{X: b[0], Y: b[1], Width: b[2], Height: b[3]}
	}
	return boxes, nil
}

// Predict reuses the pixels uploaded by the preceding Detect on the same image.
func (w *LandmarkWorker) Predict(img image.Image, box types.BoundingBox) ([]types.Point, error) {
	req := request{Op: "predict", Box: []int{box.X, box.Y, box.Width, box.Height}}
	if c := cacheable(img); c == nil || c != w.uploaded {
		attachPixels(&req, img)
	}

	var resp predictResponse
	if err := w.call(req, &resp); err != nil {
		return nil, err
	}

	pts := make([]types.Point, len(resp.Points))
	for i, p := range resp.Points {
		pts[i] = types.Point{X: p[0], Y: p[1]}
	}
	return pts, nil
}

// cacheable returns img when its identity can be compared safely.
func cacheable(img image.Image) image.Image {
	switch img.(type) {
	case *image.Gray, *image.RGBA:
		return img
	}
	return nil
}

// attachPixels packs img row-major as 1-byte gray or 3-byte RGB.
func attachPixels(req *request, img image.Image) {
	b := img.Bounds()
	req.Width, req.Height = b.Dx(), b.Dy()

	if g, ok := img.(*image.Gray); ok {
		req.Channels = 1
		req.Pix = make([]byte, 0, b.Dx()*b.Dy())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := g.PixOffset(b.Min.X, y)
			req.Pix = append(req.Pix, g.Pix[off:off+b.Dx()]...)
		}
		return
	}

	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
		b = rgba.Bounds()
	}
	req.Channels = 3
	req.Pix = make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := rgba.PixOffset(b.Min.X, y)
		row := rgba.Pix[off : off+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			req.Pix = append(req.Pix, row[x], row[x+1], row[x+2])
		}
	}
}

// Close ends the process. Closing stdin is the script's signal to exit.
// Later calls return the first result.
func (w *LandmarkWorker) Close() error {
	if w.closed {
		return w.waitErr
	}
	w.closed = true
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.waitErr = w.Cmd.Wait()
	}
	return w.waitErr
}

// NewLoader returns the loader the CLI hands to landmarks sessions.
func NewLoader(ctx context.Context, cfg Config) landmarks.Loader {
	return landmarks.LoaderFunc(func(path string) (landmarks.Model, error) {
		return NewLandmarkWorker(ctx, path, cfg)
	})
}

// LoaderFor picks a loader by engine name.
func LoaderFor(ctx context.Context, engine string, cfg Config) (landmarks.Loader, error) {
	switch engine {
	case "", "python":
		return NewLoader(ctx, cfg), nil
	}
	return nil, fmt.Errorf("unknown landmark engine %q", engine)
}
