package config

import (
	"errors"
	"fmt"
	"image/color"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/landmarkseq/internal/log"
	"github.com/andresmejia3/landmarkseq/internal/render"
	"github.com/andresmejia3/landmarkseq/internal/worker"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the landmarkseq.yaml file. Command-line flags override it.
type Config struct {
	Model    string         `yaml:"model"`
	Engine   string         `yaml:"engine" validate:"oneof=python"`
	Scale    float64        `yaml:"scale" validate:"gt=0,lte=1"`
	NthFrame int            `yaml:"nth_frame" validate:"gte=1"`
	Worker   WorkerConfig   `yaml:"worker"`
	Render   RenderConfig   `yaml:"render"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
}

type WorkerConfig struct {
	Python   string        `yaml:"python" validate:"required"`
	Script   string        `yaml:"script" validate:"required"`
	Upsample int           `yaml:"upsample" validate:"gte=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

type RenderConfig struct {
	Labels        bool   `yaml:"labels"`
	Thickness     int    `yaml:"thickness" validate:"gte=1"`
	BoxColor      string `yaml:"box_color" validate:"hexcolor"`
	LandmarkColor string `yaml:"landmark_color" validate:"hexcolor"`
	Workers       int    `yaml:"workers" validate:"gte=1"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	File  string `yaml:"file"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	wc := worker.DefaultConfig()
	return Config{
		Engine:   "python",
		Scale:    1,
		NthFrame: 1,
		Worker: WorkerConfig{
			Python:   wc.Python,
			Script:   wc.Script,
			Upsample: wc.Upsample,
			Timeout:  wc.ReadTimeout,
		},
		Render: RenderConfig{
			Thickness:     1,
			BoxColor:      "#00ff00",
			LandmarkColor: "#ff0000",
			Workers:       4,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads .env (if present) and the YAML file at path (if given) over the
// defaults. Environment variables LANDMARKSEQ_MODEL and LANDMARKSEQ_LOG_LEVEL
// override the file. The result is not validated; call Validate once flags
// have been applied.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("LANDMARKSEQ_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("LANDMARKSEQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks ranges and formats of every field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// Save writes c as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ParseColor parses #rrggbb (or #rgb) into an opaque color.
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 || !strings.HasPrefix(s, "#") {
		return color.RGBA{}, fmt.Errorf("invalid color %q: want #rrggbb", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// Style converts the render section into a render.Style.
func (c Config) Style() (render.Style, error) {
	box, err := ParseColor(c.Render.BoxColor)
	if err != nil {
		return render.Style{}, err
	}
	lm, err := ParseColor(c.Render.LandmarkColor)
	if err != nil {
		return render.Style{}, err
	}
	return render.Style{
		Labels:        c.Render.Labels,
		BoxColor:      box,
		LandmarkColor: lm,
		Thickness:     c.Render.Thickness,
	}, nil
}

func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		Python:      c.Worker.Python,
		Script:      c.Worker.Script,
		Upsample:    c.Worker.Upsample,
		ReadTimeout: c.Worker.Timeout,
	}
}

func (c Config) LogOptions() log.Options {
	return log.Options{Level: c.Log.Level, File: c.Log.File}
}
