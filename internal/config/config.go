package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"disptrack/internal/fusion"
	"disptrack/internal/session"
)

type Config struct {
	Listen  string        `yaml:"listen"`
	WSPath  string        `yaml:"ws_path"`
	Session SessionConfig `yaml:"session"`
	Fusion  FusionConfig  `yaml:"fusion"`
	IMU     IMUConfig     `yaml:"imu"`
	GPS     GPSConfig     `yaml:"gps"`
	Trace   TraceConfig   `yaml:"trace"`
	Sim     SimConfig     `yaml:"sim"`
	UDP     UDPConfig     `yaml:"udp"`
	Log     LogConfig     `yaml:"log"`
}

type SessionConfig struct {
	Mode              string        `yaml:"mode"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	Settle            time.Duration `yaml:"settle"`
}

// FusionConfig overrides filter gains and motion thresholds. Zero keeps the
// built-in default.
type FusionConfig struct {
	Kp              float64       `yaml:"kp"`
	Ki              float64       `yaml:"ki"`
	AccelDeadband   float64       `yaml:"accel_deadband"`
	Sensitivity     float64       `yaml:"sensitivity"`
	GyroQuiet       float64       `yaml:"gyro_quiet"`
	AccelQuiet      float64       `yaml:"accel_quiet"`
	SpeedQuiet      float64       `yaml:"speed_quiet"`
	BiasWarmup      time.Duration `yaml:"bias_warmup"`
	BiasAlpha       float64       `yaml:"bias_alpha"`
	ZUPTHold        time.Duration `yaml:"zupt_hold"`
	VelocityDecay   float64       `yaml:"velocity_decay"`
	MinStepM        float64       `yaml:"min_step_m"`
	Window          time.Duration `yaml:"window"`
	WindowMinTravel float64       `yaml:"window_min_travel_m"`
}

type IMUConfig struct {
	// Source is one of icm20948, trace, sim, none.
	Source       string        `yaml:"source"`
	I2CBus       int           `yaml:"i2c_bus"`
	Addr         uint16        `yaml:"addr"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type GPSConfig struct {
	// Source is one of nmea, gpsd, trace, sim, none.
	Source   string `yaml:"source"`
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	GPSDAddr string `yaml:"gpsd_addr"`
}

type TraceConfig struct {
	RecordPath string  `yaml:"record_path"`
	ReplayPath string  `yaml:"replay_path"`
	Speed      float64 `yaml:"speed"`
	Loop       bool    `yaml:"loop"`
}

type SimConfig struct {
	// ScriptPath is optional; the built-in walk is used when empty.
	ScriptPath string `yaml:"script_path"`
	Loop       bool   `yaml:"loop"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
	Queue  int    `yaml:"queue"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// BufferLines is the size of the in-memory buffer behind /api/logs.
	BufferLines int `yaml:"buffer_lines"`
}

const (
	SourceICM20948 = "icm20948"
	SourceNMEA     = "nmea"
	SourceGPSD     = "gpsd"
	SourceTrace    = "trace"
	SourceSim      = "sim"
	SourceNone     = "none"
)

// Default returns a valid configuration with every default applied.
func Default() Config {
	var cfg Config
	if err := DefaultAndValidate(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset fields and rejects inconsistent settings.
// Error strings name the offending YAML key.
func DefaultAndValidate(cfg *Config) error {
	if cfg.Listen == "" {
		cfg.Listen = ":8766"
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if !strings.HasPrefix(cfg.WSPath, "/") || strings.HasPrefix(cfg.WSPath, "/api/") {
		return fmt.Errorf("ws_path must start with / and not be under /api/")
	}

	s := &cfg.Session
	if s.Mode == "" {
		s.Mode = "imu"
	}
	if _, err := session.ParseMode(s.Mode); err != nil {
		return fmt.Errorf("session.mode: %w", err)
	}
	if s.BroadcastInterval == 0 {
		s.BroadcastInterval = 50 * time.Millisecond
	}
	if s.BroadcastInterval < 0 {
		return fmt.Errorf("session.broadcast_interval must be > 0")
	}
	if s.Settle == 0 {
		s.Settle = 1200 * time.Millisecond
	}
	if s.Settle < 0 {
		return fmt.Errorf("session.settle must be >= 0")
	}

	if err := cfg.Fusion.validate(); err != nil {
		return err
	}

	imu := &cfg.IMU
	if imu.Source == "" {
		imu.Source = SourceICM20948
	}
	switch imu.Source {
	case SourceICM20948, SourceTrace, SourceSim, SourceNone:
	default:
		return fmt.Errorf("imu.source must be one of icm20948|trace|sim|none")
	}
	if imu.I2CBus == 0 {
		imu.I2CBus = 1
	}
	if imu.I2CBus < 0 {
		return fmt.Errorf("imu.i2c_bus must be >= 0")
	}
	if imu.Addr == 0 {
		imu.Addr = 0x68
	}
	if imu.Addr > 0x7F {
		return fmt.Errorf("imu.addr must be a 7-bit I2C address")
	}
	if imu.PollInterval == 0 {
		imu.PollInterval = 10 * time.Millisecond
	}
	if imu.PollInterval < time.Millisecond || imu.PollInterval > time.Duration(fusion.MaxSampleDt*float64(time.Second)) {
		return fmt.Errorf("imu.poll_interval must be in [1ms,100ms]")
	}

	gps := &cfg.GPS
	if gps.Source == "" {
		gps.Source = SourceNone
	}
	switch gps.Source {
	case SourceNMEA, SourceGPSD, SourceTrace, SourceSim, SourceNone:
	default:
		return fmt.Errorf("gps.source must be one of nmea|gpsd|trace|sim|none")
	}
	if gps.Baud == 0 {
		gps.Baud = 9600
	}
	if gps.Baud < 0 {
		return fmt.Errorf("gps.baud must be > 0")
	}
	if gps.GPSDAddr == "" {
		gps.GPSDAddr = "127.0.0.1:2947"
	}

	tr := &cfg.Trace
	replaying := imu.Source == SourceTrace || gps.Source == SourceTrace
	if replaying && tr.ReplayPath == "" {
		return fmt.Errorf("trace.replay_path is required when a source is 'trace'")
	}
	if tr.Speed == 0 {
		tr.Speed = 1
	}
	if tr.Speed < 0 {
		return fmt.Errorf("trace.speed must be > 0")
	}
	if replaying && tr.RecordPath != "" {
		return fmt.Errorf("trace.record_path cannot be used while replaying a trace")
	}

	if cfg.UDP.Enable && cfg.UDP.Dest == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}
	if cfg.UDP.Queue == 0 {
		cfg.UDP.Queue = 64
	}

	l := &cfg.Log
	if l.Level == "" {
		l.Level = "info"
	}
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error")
	}
	if l.Format == "" {
		l.Format = "console"
	}
	if l.Format != "console" && l.Format != "json" {
		return fmt.Errorf("log.format must be console or json")
	}
	if l.BufferLines == 0 {
		l.BufferLines = 2000
	}
	return nil
}

func (f *FusionConfig) validate() error {
	if f.Sensitivity < 0 || f.Sensitivity > 1 {
		return fmt.Errorf("fusion.sensitivity must be in [0,1]")
	}
	if f.BiasAlpha < 0 || f.BiasAlpha >= 1 {
		return fmt.Errorf("fusion.bias_alpha must be in [0,1)")
	}
	if f.VelocityDecay < 0 || f.VelocityDecay > 1 {
		return fmt.Errorf("fusion.velocity_decay must be in [0,1]")
	}
	if f.Kp < 0 || f.Ki < 0 {
		return fmt.Errorf("fusion.kp and fusion.ki must be >= 0")
	}
	if f.Window < 0 || f.ZUPTHold < 0 || f.BiasWarmup < 0 {
		return fmt.Errorf("fusion durations must be >= 0")
	}
	return nil
}

func (c Config) Mode() session.Mode {
	m, _ := session.ParseMode(c.Session.Mode)
	return m
}

// SessionConfig maps the YAML onto session.Config.
func (c Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.BroadcastInterval = c.Session.BroadcastInterval

	f := c.Fusion
	setF := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	setD := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	setF(&sc.Orientation.Kp, f.Kp)
	setF(&sc.Orientation.Ki, f.Ki)

	m := &sc.Motion
	setF(&m.AccelDeadband, f.AccelDeadband)
	setF(&m.Sensitivity, f.Sensitivity)
	setF(&m.GyroQuiet, f.GyroQuiet)
	setF(&m.AccelQuiet, f.AccelQuiet)
	setF(&m.SpeedQuiet, f.SpeedQuiet)
	setD(&m.BiasWarmup, f.BiasWarmup)
	setF(&m.BiasAlpha, f.BiasAlpha)
	setD(&m.ZUPTHold, f.ZUPTHold)
	setF(&m.VelocityDecay, f.VelocityDecay)
	setF(&m.MinStep, f.MinStepM)
	setD(&m.Window, f.Window)
	setF(&m.WindowMinTravel, f.WindowMinTravel)
	m.Settle = c.Session.Settle
	return sc
}
