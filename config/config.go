// Package config loads the gatecam settings from the configuration file,
// the GATECAM_ prefixed environment variables and the command line flags.
package config

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/esimov/gatecam"
	"github.com/esimov/gatecam/imop"
	"github.com/esimov/gatecam/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment variables overriding the settings.
const EnvPrefix = "GATECAM"

// Settings is the complete gatecam configuration.
type Settings struct {
	Mode      string    `mapstructure:"mode" yaml:"mode"`
	Debug     bool      `mapstructure:"debug" yaml:"debug"`
	Log       Log       `mapstructure:"log" yaml:"log"`
	Sensor    Sensor    `mapstructure:"sensor" yaml:"sensor"`
	Model     Model     `mapstructure:"model" yaml:"model"`
	Detector  Detector  `mapstructure:"detector" yaml:"detector"`
	Classify  Classify  `mapstructure:"classify" yaml:"classify"`
	Loop      Loop      `mapstructure:"loop" yaml:"loop"`
	GPIO      GPIO      `mapstructure:"gpio" yaml:"gpio"`
	MQTT      MQTT      `mapstructure:"mqtt" yaml:"mqtt"`
	Metrics   Metrics   `mapstructure:"metrics" yaml:"metrics"`
	Snapshots Snapshots `mapstructure:"snapshots" yaml:"snapshots"`
}

// Log configures the structured logger.
type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Sensor selects the frame source and its settings.
type Sensor struct {
	// Driver is either "replay" (images or snapshot URL) or "camera" (V4L2/webcam).
	Driver       string        `mapstructure:"driver" yaml:"driver"`
	Source       string        `mapstructure:"source" yaml:"source"`
	Device       int           `mapstructure:"device" yaml:"device"`
	PixFormat    string        `mapstructure:"pixformat" yaml:"pixformat"`
	FrameSize    string        `mapstructure:"framesize" yaml:"framesize"`
	WindowWidth  int           `mapstructure:"windowwidth" yaml:"windowwidth"`
	WindowHeight int           `mapstructure:"windowheight" yaml:"windowheight"`
	WarmUp       time.Duration `mapstructure:"warmup" yaml:"warmup"`
	Contrast     int           `mapstructure:"contrast" yaml:"contrast"`
	GainCeiling  int           `mapstructure:"gainceiling" yaml:"gainceiling"`
}

// Model locates the classifier files.
type Model struct {
	Path            string `mapstructure:"path" yaml:"path"`
	Labels          string `mapstructure:"labels" yaml:"labels"`
	Threads         int    `mapstructure:"threads" yaml:"threads"`
	XNNPack         bool   `mapstructure:"xnnpack" yaml:"xnnpack"`
	FrameBufferSize int    `mapstructure:"framebuffersize" yaml:"framebuffersize"`
}

// Detector configures the face gate.
type Detector struct {
	// Kind is either "pigo" or "haar".
	Kind        string  `mapstructure:"kind" yaml:"kind"`
	// Cascade is the cascade file path. Empty selects the bundled pigo facefinder.
	Cascade     string  `mapstructure:"cascade" yaml:"cascade"`
	Threshold   float64 `mapstructure:"threshold" yaml:"threshold"`
	ScaleFactor float64 `mapstructure:"scalefactor" yaml:"scalefactor"`
	MinSize     int     `mapstructure:"minsize" yaml:"minsize"`
}

// Classify configures the classification sweep and the authorization rule.
type Classify struct {
	MinScale  float64 `mapstructure:"minscale" yaml:"minscale"`
	ScaleMul  float64 `mapstructure:"scalemul" yaml:"scalemul"`
	XOverlap  float64 `mapstructure:"xoverlap" yaml:"xoverlap"`
	YOverlap  float64 `mapstructure:"yoverlap" yaml:"yoverlap"`
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
}

// Loop configures the gated loop timings.
type Loop struct {
	ConfirmDelay time.Duration `mapstructure:"confirmdelay" yaml:"confirmdelay"`
	Cooldown     time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	PinPolicy    string        `mapstructure:"pinpolicy" yaml:"pinpolicy"`
}

// GPIO maps the outputs to the board pins. Empty names disable an output.
type GPIO struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Pin       string `mapstructure:"pin" yaml:"pin"`
	GreenLED  string `mapstructure:"greenled" yaml:"greenled"`
	RedLED    string `mapstructure:"redled" yaml:"redled"`
	ActiveLow bool   `mapstructure:"activelow" yaml:"activelow"`
}

// MQTT configures the decision publisher.
type MQTT struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Broker   string        `mapstructure:"broker" yaml:"broker"`
	Topic    string        `mapstructure:"topic" yaml:"topic"`
	ClientID string        `mapstructure:"clientid" yaml:"clientid"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"-"`
	QoS      byte          `mapstructure:"qos" yaml:"qos"`
	Retain   bool          `mapstructure:"retain" yaml:"retain"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// Snapshots configures the annotated frame export. An empty directory disables it.
type Snapshots struct {
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Format string `mapstructure:"format" yaml:"format"`
	Blend  string `mapstructure:"blend" yaml:"blend"`
}

// SetDefaults registers the default value of every setting.
func SetDefaults(v *viper.Viper) {
	sensor := gatecam.DefaultSensorConfig()
	opts := gatecam.DefaultOptions()

	v.SetDefault("mode", string(opts.Mode))
	v.SetDefault("debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(logger.Text))

	v.SetDefault("sensor.driver", "replay")
	v.SetDefault("sensor.source", "frames")
	v.SetDefault("sensor.device", 0)
	v.SetDefault("sensor.pixformat", string(sensor.PixFormat))
	v.SetDefault("sensor.framesize", string(sensor.FrameSize))
	v.SetDefault("sensor.windowwidth", sensor.Window.X)
	v.SetDefault("sensor.windowheight", sensor.Window.Y)
	v.SetDefault("sensor.warmup", sensor.WarmUp)
	v.SetDefault("sensor.contrast", sensor.Contrast)
	v.SetDefault("sensor.gainceiling", sensor.GainCeiling)

	v.SetDefault("model.path", "trained.tflite")
	v.SetDefault("model.labels", "labels.txt")
	v.SetDefault("model.threads", 1)
	v.SetDefault("model.xnnpack", false)
	v.SetDefault("model.framebuffersize", gatecam.DefaultFrameBufferSize)

	v.SetDefault("detector.kind", "pigo")
	v.SetDefault("detector.cascade", "")
	v.SetDefault("detector.threshold", opts.Detect.Threshold)
	v.SetDefault("detector.scalefactor", opts.Detect.ScaleFactor)
	v.SetDefault("detector.minsize", 20)

	v.SetDefault("classify.minscale", opts.Sweep.MinScale)
	v.SetDefault("classify.scalemul", opts.Sweep.ScaleMul)
	v.SetDefault("classify.xoverlap", opts.Sweep.XOverlap)
	v.SetDefault("classify.yoverlap", opts.Sweep.YOverlap)
	v.SetDefault("classify.threshold", opts.AuthThreshold)

	v.SetDefault("loop.confirmdelay", opts.ConfirmDelay)
	v.SetDefault("loop.cooldown", opts.Cooldown)
	v.SetDefault("loop.pinpolicy", string(opts.PinPolicy))

	v.SetDefault("gpio.enabled", false)
	v.SetDefault("gpio.pin", "GPIO17")
	v.SetDefault("gpio.greenled", "")
	v.SetDefault("gpio.redled", "")
	v.SetDefault("gpio.activelow", false)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "gatecam/decisions")
	v.SetDefault("mqtt.clientid", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", false)
	v.SetDefault("mqtt.timeout", 5*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("snapshots.dir", "")
	v.SetDefault("snapshots.format", "jpg")
	v.SetDefault("snapshots.blend", "")
}

// Load reads the settings. When path is empty the configuration file is
// searched as gatecam.yaml in the working directory, then in the user
// and system configuration directories; a missing file is not an error.
func Load(v *viper.Viper, path string) (*Settings, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gatecam")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "gatecam"))
		}
		v.AddConfigPath("/etc/gatecam")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	s := new(Settings)
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate reports the first invalid setting.
func (s *Settings) Validate() error {
	if _, err := s.Options(); err != nil {
		return err
	}
	if _, err := s.SensorConfig(); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(s.Log.Level); err != nil {
		return err
	}
	if _, err := logger.ParseFormat(s.Log.Format); err != nil {
		return err
	}
	switch s.Sensor.Driver {
	case "replay", "camera":
	default:
		return fmt.Errorf("unsupported sensor driver: %q", s.Sensor.Driver)
	}
	switch s.Detector.Kind {
	case "pigo":
	case "haar":
		if s.Detector.Cascade == "" {
			return errors.New("the haar detector requires a cascade file")
		}
	default:
		return fmt.Errorf("unsupported detector: %q", s.Detector.Kind)
	}
	if s.Model.Path == "" || s.Model.Labels == "" {
		return errors.New("the model and the labels file must be set")
	}
	if s.Model.Threads < 1 {
		return fmt.Errorf("model threads must be at least 1, got %d", s.Model.Threads)
	}
	if s.MQTT.Enabled && (s.MQTT.Broker == "" || s.MQTT.Topic == "") {
		return errors.New("mqtt requires a broker and a topic")
	}
	if s.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", s.MQTT.QoS)
	}
	if s.Snapshots.Blend != "" {
		if err := imop.NewBlend().Set(imop.Mode(s.Snapshots.Blend)); err != nil {
			return err
		}
	}
	return nil
}

// SensorConfig converts the sensor settings.
func (s *Settings) SensorConfig() (gatecam.SensorConfig, error) {
	pf, err := gatecam.ParsePixelFormat(s.Sensor.PixFormat)
	if err != nil {
		return gatecam.SensorConfig{}, err
	}
	fs, err := gatecam.ParseFrameSize(s.Sensor.FrameSize)
	if err != nil {
		return gatecam.SensorConfig{}, err
	}
	cfg := gatecam.SensorConfig{
		PixFormat:   pf,
		FrameSize:   fs,
		Window:      image.Pt(s.Sensor.WindowWidth, s.Sensor.WindowHeight),
		WarmUp:      s.Sensor.WarmUp,
		Contrast:    s.Sensor.Contrast,
		GainCeiling: s.Sensor.GainCeiling,
	}
	return cfg, cfg.Validate()
}

// Options converts the loop settings.
func (s *Settings) Options() (gatecam.Options, error) {
	mode, err := gatecam.ParseMode(s.Mode)
	if err != nil {
		return gatecam.Options{}, err
	}
	policy, err := gatecam.ParsePinPolicy(s.Loop.PinPolicy)
	if err != nil {
		return gatecam.Options{}, err
	}
	opts := gatecam.Options{
		Mode: mode,
		Detect: gatecam.DetectParams{
			Threshold:   s.Detector.Threshold,
			ScaleFactor: s.Detector.ScaleFactor,
		},
		Sweep: gatecam.SweepParams{
			MinScale: s.Classify.MinScale,
			ScaleMul: s.Classify.ScaleMul,
			XOverlap: s.Classify.XOverlap,
			YOverlap: s.Classify.YOverlap,
		},
		AuthThreshold: s.Classify.Threshold,
		ConfirmDelay:  s.Loop.ConfirmDelay,
		Cooldown:      s.Loop.Cooldown,
		PinPolicy:     policy,
	}
	return opts, opts.Validate()
}

// Dump writes the effective settings as YAML. The secrets are omitted.
func (s *Settings) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}
