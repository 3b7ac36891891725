package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	TranscriptionURL   string `yaml:"transcriptionURL"`
	TranscriptionKey   string `yaml:"transcriptionKey"`
	TranscriptionModel string `yaml:"transcriptionModel"`

	WorkDir string `yaml:"workDir"`

	Sync Sync `yaml:"sync"`
}

// Sync holds the sync-pipeline tuning knobs. Zero values are replaced with
// the documented defaults by ApplyDefaults.
type Sync struct {
	ProviderMaxBytes            int64   `yaml:"providerMaxBytes"`
	ChunkTargetBytes            int64   `yaml:"chunkTargetBytes"`
	ChunkDurationMinSec         int     `yaml:"chunkDurationMinSec"`
	ChunkDurationMaxSec         int     `yaml:"chunkDurationMaxSec"`
	NarrationRateWpm            int     `yaml:"narrationRateWpm"`
	ProgressiveFirstChunkWords  int     `yaml:"progressiveFirstChunkWords"`
	ProgressiveChunkWords       int     `yaml:"progressiveChunkWords"`
	ProgressiveOverlapWords     int     `yaml:"progressiveOverlapWords"`
	AdvanceThresholdWords       int     `yaml:"advanceThresholdWords"`
	InitialAlignmentProbeSec    int     `yaml:"initialAlignmentProbeSec"`
	InitialAlignmentSearchWords int     `yaml:"initialAlignmentSearchWords"`
	AnchorConfidenceFloor       float64 `yaml:"anchorConfidenceFloor"`
	AnchorMinGapSec             float64 `yaml:"anchorMinGapSec"`
	AnchorMinGapChars           int     `yaml:"anchorMinGapChars"`
	AnchorMergeWindowSec        float64 `yaml:"anchorMergeWindowSec"`
	AnchorMergeWindowChars      int     `yaml:"anchorMergeWindowChars"`
	ProgressDebounceMs          int     `yaml:"progressDebounceMs"`
}

// ApplyDefaults fills zero-valued tuning knobs with their defaults.
func (s *Sync) ApplyDefaults() {
	if s.ProviderMaxBytes <= 0 {
		s.ProviderMaxBytes = 25 << 20
	}
	if s.ChunkTargetBytes <= 0 {
		s.ChunkTargetBytes = 24 << 20
	}
	if s.ChunkDurationMinSec <= 0 {
		s.ChunkDurationMinSec = 60
	}
	if s.ChunkDurationMaxSec <= 0 {
		s.ChunkDurationMaxSec = 600
	}
	if s.NarrationRateWpm <= 0 {
		s.NarrationRateWpm = 150
	}
	if s.ProgressiveFirstChunkWords <= 0 {
		s.ProgressiveFirstChunkWords = 75
	}
	if s.ProgressiveChunkWords <= 0 {
		s.ProgressiveChunkWords = 1000
	}
	if s.ProgressiveOverlapWords <= 0 {
		s.ProgressiveOverlapWords = 100
	}
	if s.AdvanceThresholdWords <= 0 {
		s.AdvanceThresholdWords = 500
	}
	if s.InitialAlignmentProbeSec <= 0 {
		s.InitialAlignmentProbeSec = 45
	}
	if s.InitialAlignmentSearchWords <= 0 {
		s.InitialAlignmentSearchWords = 5000
	}
	if s.AnchorConfidenceFloor <= 0 {
		s.AnchorConfidenceFloor = 0.5
	}
	if s.AnchorMinGapSec <= 0 {
		s.AnchorMinGapSec = 30
	}
	if s.AnchorMinGapChars <= 0 {
		s.AnchorMinGapChars = 500
	}
	if s.AnchorMergeWindowSec <= 0 {
		s.AnchorMergeWindowSec = 1.0
	}
	if s.AnchorMergeWindowChars <= 0 {
		s.AnchorMergeWindowChars = 10
	}
	if s.ProgressDebounceMs <= 0 {
		s.ProgressDebounceMs = 5000
	}
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("TRANSCRIPTION_URL"); v != "" {
		cfg.TranscriptionURL = v
	}
	if v := os.Getenv("TRANSCRIPTION_KEY"); v != "" {
		cfg.TranscriptionKey = v
	}
	if v := os.Getenv("SYNC_PROVIDER_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sync.ProviderMaxBytes = n
		}
	}
	cfg.Sync.ApplyDefaults()
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" {
		return errors.New("config: minioAccessKey is required (set in config.yaml)")
	}
	if cfg.MinioSecretKey == "" {
		return errors.New("config: minioSecretKey is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	if cfg.TranscriptionURL == "" {
		return errors.New("config: transcriptionURL is required (set in config.yaml or TRANSCRIPTION_URL)")
	}
	if cfg.Sync.ChunkTargetBytes > cfg.Sync.ProviderMaxBytes {
		return fmt.Errorf("config: chunkTargetBytes (%d) exceeds providerMaxBytes (%d)",
			cfg.Sync.ChunkTargetBytes, cfg.Sync.ProviderMaxBytes)
	}
	return nil
}
