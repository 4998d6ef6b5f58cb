package app

// CacheSettings is the runtime-tunable subset of the cache configuration.
// Values stored in the settings collection override the environment.
type CacheSettings struct {
	Enabled  bool
	MaxBytes int64
}

func (c *Config) ApplyCacheSettings(settings CacheSettings) {
	c.CacheEnabled = settings.Enabled
	if settings.MaxBytes > 0 {
		c.CacheMaxBytes = settings.MaxBytes
	}
}
