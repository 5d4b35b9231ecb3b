package types

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hyperhq/govbox/lib/hlog"
	"github.com/unknwon/goconfig"
)

const (
	DriverVBoxManage = "vboxmanage"
	DriverMemory     = "memory"

	DefaultConfigFile   = "/etc/govbox/config"
	DefaultPollInterval = 500 * time.Millisecond
	DefaultWaitTimeout  = 10 * time.Minute
	DefaultLaunchType   = "headless"
)

type VBoxConfig struct {
	ConfigFile string

	// Driver selects the platform binding, "vboxmanage" or "memory".
	Driver string
	// VBoxManage is the path of the VBoxManage binary.
	VBoxManage string
	// CatalogPath is the leveldb directory recording known machines. Empty
	// disables the catalog.
	CatalogPath string
	// PollInterval bounds a single wait on platform events.
	PollInterval time.Duration
	// WaitTimeout bounds state waits and progress waits. Zero means no
	// bound besides the caller's context.
	WaitTimeout       time.Duration
	DefaultLaunchType string

	logPrefix string
}

func DefaultVBoxConfig() *VBoxConfig {
	return &VBoxConfig{
		Driver:            DriverVBoxManage,
		VBoxManage:        "VBoxManage",
		PollInterval:      DefaultPollInterval,
		WaitTimeout:       DefaultWaitTimeout,
		DefaultLaunchType: DefaultLaunchType,
	}
}

// NewVBoxConfig loads config, an INI file with all keys in the default
// section. A missing file yields the defaults.
func NewVBoxConfig(config string) (*VBoxConfig, error) {
	if config == "" {
		config = DefaultConfigFile
	}
	hlog.Log(hlog.DEBUG, "config file: %s", config)

	c := DefaultVBoxConfig()
	c.ConfigFile = config
	c.logPrefix = fmt.Sprintf("[%s] ", config)

	if _, err := os.Stat(config); os.IsNotExist(err) {
		c.Log(hlog.DEBUG, "config file absent, using defaults")
		return c, nil
	}

	cfg, err := goconfig.LoadConfigFile(config)
	if err != nil {
		c.Log(hlog.ERROR, "read config file failed: %v", err)
		return nil, err
	}

	if driver, _ := cfg.GetValue(goconfig.DEFAULT_SECTION, "Driver"); driver != "" {
		c.Driver = strings.ToLower(driver)
	}
	c.VBoxManage = cfg.MustValue(goconfig.DEFAULT_SECTION, "VBoxManage", c.VBoxManage)
	c.CatalogPath, _ = cfg.GetValue(goconfig.DEFAULT_SECTION, "CatalogPath")
	c.DefaultLaunchType = cfg.MustValue(goconfig.DEFAULT_SECTION, "DefaultLaunchType", c.DefaultLaunchType)

	if c.PollInterval, err = duration(cfg, "PollInterval", c.PollInterval); err != nil {
		c.Log(hlog.ERROR, "read config file PollInterval failed: %v", err)
		return nil, err
	}
	if c.WaitTimeout, err = duration(cfg, "WaitTimeout", c.WaitTimeout); err != nil {
		c.Log(hlog.ERROR, "read config file WaitTimeout failed: %v", err)
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	c.Log(hlog.DEBUG, "config items: %#v", c)
	return c, nil
}

func duration(cfg *goconfig.ConfigFile, key string, def time.Duration) (time.Duration, error) {
	v, _ := cfg.GetValue(goconfig.DEFAULT_SECTION, key)
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

func (c *VBoxConfig) Validate() error {
	switch c.Driver {
	case DriverVBoxManage, DriverMemory:
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive, got %v", c.PollInterval)
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("WaitTimeout must not be negative, got %v", c.WaitTimeout)
	}
	return nil
}

func (c *VBoxConfig) LogPrefix() string {
	return c.logPrefix
}

func (c *VBoxConfig) Log(level hlog.LogLevel, args ...interface{}) {
	hlog.HLog(level, c, 1, args...)
}
