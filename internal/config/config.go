// Package config loads the teacher and student YAML configuration files.
// A missing file is not an error: the documented default template is
// written in its place and the defaults are used, so a fresh install runs
// with zero setup. Precedence is file, then CLASSCAST_* environment
// overrides, then validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can say "30s" or "200ms".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TeacherConfig drives the teacher binary.
type TeacherConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	PanelAddr  string `yaml:"panel_addr"`

	UploadDir string `yaml:"upload_dir"`
	HistoryDB string `yaml:"history_db"`

	EnableAudio  bool `yaml:"enable_audio_by_default"`
	ForceAudio   bool `yaml:"force_audio"`
	FileAutoOpen bool `yaml:"file_auto_open"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	IdleTimeout       Duration `yaml:"idle_timeout"`
	StallTimeout      Duration `yaml:"stall_timeout"`
	AckTimeout        Duration `yaml:"ack_timeout"`
	WriteTimeout      Duration `yaml:"write_timeout"`

	VideoQueue int      `yaml:"video_queue"`
	AudioQueue int      `yaml:"audio_queue"`
	AudioWait  Duration `yaml:"audio_wait"`
	ChunkSize  int      `yaml:"chunk_size"`

	CaptureFPS int `yaml:"capture_fps"`
}

// StudentConfig drives the student binary.
type StudentConfig struct {
	TeacherAddr string `yaml:"teacher_addr"`
	StudentID   string `yaml:"student_id"`
	StudentName string `yaml:"student_name"`

	DownloadDir string `yaml:"download_dir"`
	AutoOpen    bool   `yaml:"auto_open_files"`
	StartMuted  bool   `yaml:"start_muted"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	WriteTimeout      Duration `yaml:"write_timeout"`
	ChunkSize         int      `yaml:"chunk_size"`
}

// DefaultTeacherConfig returns the documented defaults.
func DefaultTeacherConfig() *TeacherConfig {
	return &TeacherConfig{
		ListenAddr:        "0.0.0.0:5000",
		PanelAddr:         "127.0.0.1:5001",
		UploadDir:         "uploads",
		HistoryDB:         "classcast.db",
		EnableAudio:       true,
		ForceAudio:        false,
		FileAutoOpen:      false,
		HeartbeatInterval: Duration(10 * time.Second),
		IdleTimeout:       Duration(30 * time.Second),
		StallTimeout:      Duration(15 * time.Second),
		AckTimeout:        Duration(30 * time.Second),
		WriteTimeout:      Duration(10 * time.Second),
		VideoQueue:        64,
		AudioQueue:        256,
		AudioWait:         Duration(200 * time.Millisecond),
		ChunkSize:         64 * 1024,
		CaptureFPS:        12,
	}
}

// DefaultStudentConfig returns the documented defaults.
func DefaultStudentConfig() *StudentConfig {
	return &StudentConfig{
		TeacherAddr:       "127.0.0.1:5000",
		StudentID:         "S00",
		StudentName:       "Student",
		DownloadDir:       "downloads",
		AutoOpen:          false,
		StartMuted:        false,
		HeartbeatInterval: Duration(5 * time.Second),
		WriteTimeout:      Duration(10 * time.Second),
		ChunkSize:         64 * 1024,
	}
}

// Validate rejects configurations that cannot run.
func (c *TeacherConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("upload_dir cannot be empty")
	}
	for name, d := range map[string]Duration{
		"heartbeat_interval": c.HeartbeatInterval,
		"idle_timeout":       c.IdleTimeout,
		"stall_timeout":      c.StallTimeout,
		"ack_timeout":        c.AckTimeout,
		"audio_wait":         c.AudioWait,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.VideoQueue <= 0 || c.AudioQueue <= 0 {
		return fmt.Errorf("queue bounds must be positive")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.CaptureFPS < 1 || c.CaptureFPS > 60 {
		return fmt.Errorf("capture_fps must be 1-60")
	}
	return nil
}

// Validate rejects configurations that cannot run.
func (c *StudentConfig) Validate() error {
	if c.TeacherAddr == "" {
		return fmt.Errorf("teacher_addr cannot be empty")
	}
	if c.StudentID == "" {
		return fmt.Errorf("student_id cannot be empty")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("download_dir cannot be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	return nil
}

// LoadTeacher reads the teacher configuration from path. When the file
// does not exist the default template is written there and the defaults
// returned. Relative storage paths resolve against the config file's
// directory, and the upload directory is created.
func LoadTeacher(path string) (*TeacherConfig, error) {
	cfg := DefaultTeacherConfig()
	if err := loadOrCreate(path, cfg, teacherTemplate); err != nil {
		return nil, err
	}
	applyTeacherEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid teacher config: %w", err)
	}

	base := filepath.Dir(path)
	cfg.UploadDir = resolvePath(base, cfg.UploadDir)
	cfg.HistoryDB = resolvePath(base, cfg.HistoryDB)
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return cfg, nil
}

// LoadStudent reads the student configuration from path, with the same
// missing-file and path-resolution behavior as LoadTeacher.
func LoadStudent(path string) (*StudentConfig, error) {
	cfg := DefaultStudentConfig()
	if err := loadOrCreate(path, cfg, studentTemplate); err != nil {
		return nil, err
	}
	applyStudentEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid student config: %w", err)
	}

	cfg.DownloadDir = resolvePath(filepath.Dir(path), cfg.DownloadDir)
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return cfg, nil
}

func loadOrCreate(path string, into any, template string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return fmt.Errorf("create config dir: %w", mkErr)
		}
		if wrErr := os.WriteFile(path, []byte(template), 0o644); wrErr != nil {
			return fmt.Errorf("write default config: %w", wrErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func applyTeacherEnv(cfg *TeacherConfig) {
	if v := os.Getenv("CLASSCAST_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CLASSCAST_PANEL_ADDR"); v != "" {
		cfg.PanelAddr = v
	}
	if v := os.Getenv("CLASSCAST_UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv("CLASSCAST_HISTORY_DB"); v != "" {
		cfg.HistoryDB = v
	}
	if v := os.Getenv("CLASSCAST_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CLASSCAST_STALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StallTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CLASSCAST_CAPTURE_FPS"); v != "" {
		if fps, err := strconv.Atoi(v); err == nil {
			cfg.CaptureFPS = fps
		}
	}
}

func applyStudentEnv(cfg *StudentConfig) {
	if v := os.Getenv("CLASSCAST_TEACHER_ADDR"); v != "" {
		cfg.TeacherAddr = v
	}
	if v := os.Getenv("CLASSCAST_STUDENT_ID"); v != "" {
		cfg.StudentID = v
	}
	if v := os.Getenv("CLASSCAST_STUDENT_NAME"); v != "" {
		cfg.StudentName = v
	}
	if v := os.Getenv("CLASSCAST_DOWNLOAD_DIR"); v != "" {
		cfg.DownloadDir = v
	}
}
