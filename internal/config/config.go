package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Service keys
const (
	ServiceAzure  = "azure"
	ServiceGoogle = "google"
	ServiceVision = "vision"
)

// Google prediction APIs
const (
	GoogleAPIVertex = "vertex"
	GoogleAPIAutoML = "automl"
)

// Vision model backends
const (
	VisionBackendOllama   = "ollama"
	VisionBackendLlamaCpp = "llamacpp"
)

// ErrNotConfigured is returned when a service lacks required settings
var ErrNotConfigured = errors.New("service not configured")

// Config holds the application configuration
type Config struct {
	Azure      AzureConfig      `yaml:"azure"`
	Google     GoogleConfig     `yaml:"google"`
	Vision     VisionConfig     `yaml:"vision"`
	Detection  DetectionConfig  `yaml:"detection"`
	Annotation AnnotationConfig `yaml:"annotation"`
	Output     OutputConfig     `yaml:"output"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// AzureConfig holds the Custom Vision prediction endpoint
type AzureConfig struct {
	PredictionURL string        `yaml:"prediction_url"`
	PredictionKey string        `yaml:"prediction_key"`
	Timeout       time.Duration `yaml:"timeout"`
}

// GoogleConfig holds the AutoML / Vertex AI model location
type GoogleConfig struct {
	API             string        `yaml:"api"`
	ProjectID       string        `yaml:"project_id"`
	Location        string        `yaml:"location"`
	EndpointID      string        `yaml:"endpoint_id"`
	ModelID         string        `yaml:"model_id"`
	CredentialsFile string        `yaml:"credentials_file"`
	MaxPredictions  int           `yaml:"max_predictions"`
	Timeout         time.Duration `yaml:"timeout"`
}

// VisionConfig holds the vision-language model used as a detector
type VisionConfig struct {
	Backend     string        `yaml:"backend"`
	URL         string        `yaml:"url"`
	Model       string        `yaml:"model"`
	MaxImageDim int           `yaml:"max_image_dim"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DetectionConfig holds detection defaults
type DetectionConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxWidth            int     `yaml:"max_width"`
	MaxHeight           int     `yaml:"max_height"`
}

// AnnotationConfig holds drawing options
type AnnotationConfig struct {
	Palette     []string `yaml:"palette"`
	StrokeWidth int      `yaml:"stroke_width"`
	FontPath    string   `yaml:"font_path"`
	FontSize    float64  `yaml:"font_size"`
	LabelAlpha  int      `yaml:"label_alpha"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `yaml:"default_format"`
	OutputDir     string `yaml:"output_dir"`
	Quality       int    `yaml:"quality"`
	Suffix        string `yaml:"suffix"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	MaxUploadSize int64  `yaml:"max_upload_size"`
}

// LogConfig selects the logger flavour
type LogConfig struct {
	Development bool `yaml:"development"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Azure: AzureConfig{
			Timeout: 30 * time.Second,
		},
		Google: GoogleConfig{
			API:            GoogleAPIVertex,
			Location:       "us-central1",
			MaxPredictions: 100,
			Timeout:        60 * time.Second,
		},
		Vision: VisionConfig{
			Backend:     VisionBackendOllama,
			MaxImageDim: 1024,
			Timeout:     5 * time.Minute,
		},
		Detection: DetectionConfig{
			ConfidenceThreshold: 0.3,
			MaxWidth:            800,
			MaxHeight:           600,
		},
		Annotation: AnnotationConfig{
			StrokeWidth: 2,
			FontSize:    12,
			LabelAlpha:  0xCC,
		},
		Output: OutputConfig{
			DefaultFormat: "png",
			OutputDir:     "./output",
			Quality:       90,
			Suffix:        "_annotated",
		},
		Server: ServerConfig{
			Addr:          ":8080",
			MaxUploadSize: 10 << 20,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists), .env files and finally the process environment. Variables
// already present in the environment win over .env entries.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(filename); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides settings from environment variables
func (c *Config) ApplyEnv() error {
	setString(&c.Azure.PredictionURL, "CUSTOMVISION_PREDICTION_URL")
	setString(&c.Azure.PredictionKey, "CUSTOMVISION_PREDICTION_KEY")

	setString(&c.Google.API, "GOOGLE_API")
	setString(&c.Google.ProjectID, "GOOGLE_PROJECT_ID")
	setString(&c.Google.EndpointID, "GOOGLE_ENDPOINT_ID")
	setString(&c.Google.ModelID, "GOOGLE_AUTOML_MODEL_ID")
	setString(&c.Google.Location, "GOOGLE_LOCATION")
	setString(&c.Google.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")

	setString(&c.Vision.Backend, "VISION_BACKEND")
	setString(&c.Vision.URL, "VISION_URL")
	setString(&c.Vision.Model, "VISION_MODEL")

	if v, ok := lookup("DETECTION_CONFIDENCE_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DETECTION_CONFIDENCE_THRESHOLD: %w", err)
		}
		c.Detection.ConfidenceThreshold = f
	}
	if v, ok := lookup("LOG_DEVELOPMENT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_DEVELOPMENT: %w", err)
		}
		c.Log.Development = b
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be between 0 and 1")
	}

	if c.Detection.MaxWidth < 1 || c.Detection.MaxHeight < 1 {
		return fmt.Errorf("detection.max_width and detection.max_height must be positive")
	}

	switch c.Google.API {
	case GoogleAPIVertex, GoogleAPIAutoML:
	default:
		return fmt.Errorf("google.api must be %q or %q", GoogleAPIVertex, GoogleAPIAutoML)
	}

	switch c.Vision.Backend {
	case VisionBackendOllama, VisionBackendLlamaCpp:
	default:
		return fmt.Errorf("vision.backend must be %q or %q", VisionBackendOllama, VisionBackendLlamaCpp)
	}

	if c.Annotation.StrokeWidth < 1 {
		return fmt.Errorf("annotation.stroke_width must be positive")
	}

	if c.Annotation.LabelAlpha < 0 || c.Annotation.LabelAlpha > 255 {
		return fmt.Errorf("annotation.label_alpha must be between 0 and 255")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	switch strings.ToLower(c.Output.DefaultFormat) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.default_format must be png, jpg or webp")
	}

	return nil
}

// AzureConfigured reports whether the Custom Vision endpoint is usable
func (c *Config) AzureConfigured() bool {
	return c.Configured(ServiceAzure)
}

// GoogleConfigured reports whether the selected Google API has a model to call
func (c *Config) GoogleConfigured() bool {
	return c.Configured(ServiceGoogle)
}

// VisionConfigured reports whether a vision model endpoint is set
func (c *Config) VisionConfigured() bool {
	return c.Configured(ServiceVision)
}

// Services lists every known service key
func Services() []string {
	return []string{ServiceAzure, ServiceGoogle, ServiceVision}
}

// AvailableServices lists the usable service keys in a fixed order
func (c *Config) AvailableServices() []string {
	var out []string
	for _, s := range Services() {
		if c.Configured(s) {
			out = append(out, s)
		}
	}
	return out
}

// Configured reports whether the service key is usable
func (c *Config) Configured(service string) bool {
	return c.RequireService(service) == nil
}

// RequireService returns ErrNotConfigured naming the first missing setting
func (c *Config) RequireService(service string) error {
	var missing []string
	switch service {
	case ServiceAzure:
		if c.Azure.PredictionURL == "" {
			missing = append(missing, "CUSTOMVISION_PREDICTION_URL")
		}
		if c.Azure.PredictionKey == "" {
			missing = append(missing, "CUSTOMVISION_PREDICTION_KEY")
		}
	case ServiceGoogle:
		if c.Google.ProjectID == "" {
			missing = append(missing, "GOOGLE_PROJECT_ID")
		}
		if c.Google.Location == "" {
			missing = append(missing, "GOOGLE_LOCATION")
		}
		if c.Google.API == GoogleAPIAutoML && c.Google.ModelID == "" {
			missing = append(missing, "GOOGLE_AUTOML_MODEL_ID")
		}
		if c.Google.API != GoogleAPIAutoML && c.Google.EndpointID == "" {
			missing = append(missing, "GOOGLE_ENDPOINT_ID")
		}
	case ServiceVision:
		if c.Vision.URL == "" {
			missing = append(missing, "VISION_URL")
		}
		if c.Vision.Model == "" {
			missing = append(missing, "VISION_MODEL")
		}
	default:
		return fmt.Errorf("%w: unknown service %q", ErrNotConfigured, service)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s missing %s", ErrNotConfigured, service, strings.Join(missing, ", "))
	}
	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "detection-dashboard", "config.yaml")
}
