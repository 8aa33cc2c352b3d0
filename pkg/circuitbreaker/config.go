package circuitbreaker

import "time"

// Config holds the tunables of one circuit.
type Config struct {
	FailureThreshold         int           `yaml:"failure_threshold"          validate:"min=1"`
	SuccessThreshold         int           `yaml:"success_threshold"          validate:"min=1"`
	Timeout                  time.Duration `yaml:"timeout"                    validate:"gt=0"`
	VolumeThreshold          int           `yaml:"volume_threshold"           validate:"min=1"`
	ErrorThresholdPercentage float64       `yaml:"error_threshold_percentage" validate:"gt=0,lte=100"`
	RollingWindow            time.Duration `yaml:"rolling_window"             validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		SuccessThreshold:         2,
		Timeout:                  60 * time.Second,
		VolumeThreshold:          10,
		ErrorThresholdPercentage: 50,
		RollingWindow:            60 * time.Second,
	}
}

// CriticalConfig trips earlier and cools down longer, for integrations whose failures are costly.
func CriticalConfig() Config {
	return Config{
		FailureThreshold:         3,
		SuccessThreshold:         3,
		Timeout:                  120 * time.Second,
		VolumeThreshold:          5,
		ErrorThresholdPercentage: 30,
		RollingWindow:            60 * time.Second,
	}
}

// Merge fills zero fields of c from base.
func (c Config) Merge(base Config) Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = base.FailureThreshold
	}

	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = base.SuccessThreshold
	}

	if c.Timeout <= 0 {
		c.Timeout = base.Timeout
	}

	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = base.VolumeThreshold
	}

	if c.ErrorThresholdPercentage <= 0 {
		c.ErrorThresholdPercentage = base.ErrorThresholdPercentage
	}

	if c.RollingWindow <= 0 {
		c.RollingWindow = base.RollingWindow
	}

	return c
}
