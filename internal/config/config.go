package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Loop      LoopConfig      `yaml:"loop"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Phase     PhaseConfig     `yaml:"phase"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	Link      LinkConfig      `yaml:"link"`
	Pyro      PyroConfig      `yaml:"pyro"`
	Blackbox  BlackboxConfig  `yaml:"blackbox"`
	Web       WebConfig       `yaml:"web"`
	Sim       SimConfig       `yaml:"sim"`
}

type LoopConfig struct {
	Period time.Duration `yaml:"period"`
}

type EstimatorConfig struct {
	TiltGain    float64 `yaml:"tilt_gain"`
	StaleAfter  int     `yaml:"stale_after"`
	SigmaAccel  float64 `yaml:"sigma_accel"`
	SigmaBaro   float64 `yaml:"sigma_baro"`
	SigmaGPSAlt float64 `yaml:"sigma_gps_alt"`
	SigmaGPSVel float64 `yaml:"sigma_gps_vel"`
}

// PhaseConfig holds the per-vehicle calibration constants. Thresholds
// are SI; dwell/confirm values are tick counts at loop.period.
type PhaseConfig struct {
	LiftoffAccel    float64 `yaml:"liftoff_accel_mps2"`
	LiftoffDwell    int     `yaml:"liftoff_dwell"`
	BurnoutAccel    float64 `yaml:"burnout_accel_mps2"`
	BurnoutDwell    int     `yaml:"burnout_dwell"`
	ApogeeConfirm   int     `yaml:"apogee_confirm"`
	MainAltitude    float64 `yaml:"main_altitude_m"`
	LandedSpeed     float64 `yaml:"landed_speed_mps"`
	LandedAccelBand float64 `yaml:"landed_accel_band_mps2"`
	LandedDwell     int     `yaml:"landed_dwell"`
	MaxTiltDeg      float64 `yaml:"max_tilt_deg"`
}

// SensorsConfig selects the hardware sampling path. Sensors and sim are
// mutually exclusive bus producers.
type SensorsConfig struct {
	Enable     bool      `yaml:"enable"`
	I2C        string    `yaml:"i2c"`
	SeaLevelPa float64   `yaml:"sea_level_pa"`
	GPS        GPSConfig `yaml:"gps"`
}

type GPSConfig struct {
	Enable bool   `yaml:"enable"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type LinkConfig struct {
	UDP    UDPLinkConfig    `yaml:"udp"`
	Serial SerialLinkConfig `yaml:"serial"`
	Token  uint64           `yaml:"token"`
}

type UDPLinkConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
	Listen string `yaml:"listen"`
}

type SerialLinkConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
	Baud   int    `yaml:"baud"`
}

type PyroConfig struct {
	Enable    bool          `yaml:"enable"`
	DroguePin int           `yaml:"drogue_pin"`
	MainPin   int           `yaml:"main_pin"`
	Pulse     time.Duration `yaml:"pulse"`
}

type BlackboxConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type SimConfig struct {
	Enable  bool   `yaml:"enable"`
	Profile string `yaml:"profile"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func DefaultAndValidate(cfg *Config) error {
	if cfg.Loop.Period <= 0 {
		cfg.Loop.Period = 10 * time.Millisecond
	}
	if cfg.Loop.Period < time.Millisecond {
		return fmt.Errorf("loop.period must be at least 1ms")
	}

	if cfg.Sensors.Enable {
		if cfg.Sensors.I2C == "" {
			cfg.Sensors.I2C = "/dev/i2c-1"
		}
		if cfg.Sensors.GPS.Enable {
			if cfg.Sensors.GPS.Device == "" {
				return fmt.Errorf("sensors.gps.device is required when sensors.gps.enable is true")
			}
			if cfg.Sensors.GPS.Baud == 0 {
				cfg.Sensors.GPS.Baud = 9600
			}
		}
	}
	if cfg.Sensors.Enable && cfg.Sim.Enable {
		return fmt.Errorf("sensors.enable and sim.enable are mutually exclusive")
	}

	if cfg.Link.UDP.Enable && cfg.Link.UDP.Dest == "" {
		return fmt.Errorf("link.udp.dest is required when link.udp.enable is true")
	}
	if cfg.Link.Serial.Enable {
		if cfg.Link.Serial.Path == "" {
			return fmt.Errorf("link.serial.path is required when link.serial.enable is true")
		}
		if cfg.Link.Serial.Baud == 0 {
			cfg.Link.Serial.Baud = 115200
		}
	}

	if cfg.Pyro.Enable {
		if cfg.Pyro.DroguePin <= 0 || cfg.Pyro.MainPin <= 0 {
			return fmt.Errorf("pyro.drogue_pin and pyro.main_pin are required when pyro.enable is true")
		}
		if cfg.Pyro.DroguePin == cfg.Pyro.MainPin {
			return fmt.Errorf("pyro.drogue_pin and pyro.main_pin must differ")
		}
		if cfg.Pyro.Pulse <= 0 {
			cfg.Pyro.Pulse = 500 * time.Millisecond
		}
	}

	if cfg.Blackbox.Enable && cfg.Blackbox.Path == "" {
		return fmt.Errorf("blackbox.path is required when blackbox.enable is true")
	}
	if cfg.Web.Enable && cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Sim.Enable && cfg.Sim.Profile == "" {
		return fmt.Errorf("sim.profile is required when sim.enable is true")
	}

	// Estimator/phase defaults live with their packages; only sanity
	// checks here.
	if cfg.Estimator.StaleAfter < 0 {
		return fmt.Errorf("estimator.stale_after must be >= 0")
	}
	if cfg.Phase.MainAltitude < 0 {
		return fmt.Errorf("phase.main_altitude_m must be >= 0")
	}
	if cfg.Phase.MaxTiltDeg < 0 || cfg.Phase.MaxTiltDeg > 90 {
		return fmt.Errorf("phase.max_tilt_deg must be within [0, 90]")
	}
	return nil
}
