package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/dk2014/hinako/pkg/hinako"
)

// HookConfig is one YAML/JSON entry under the "hooks" key of a config
// file passed to `hinakoctl run`/`hinakoctl validate`. Address is taken
// literally as the in-process address to patch; hinakoctl never resolves
// symbols across process boundaries (cross-process hooking is out of
// scope).
type HookConfig struct {
	ID           uint32   `mapstructure:"id"`
	Address      string   `mapstructure:"address"`
	FunctionName string   `mapstructure:"function_name"`
	Flags        []string `mapstructure:"flags"`
}

// Config is the top-level shape hinakoctl reads via viper. BlockSize,
// SuspendBatchSize and drain parameters map straight onto the matching
// EngineOption.
type Config struct {
	Hooks            []HookConfig `mapstructure:"hooks"`
	BlockSize        int          `mapstructure:"block_size"`
	SuspendBatchSize int          `mapstructure:"suspend_batch_size"`
	DrainRetries     int          `mapstructure:"drain_retries"`
	DrainIntervalMS  int          `mapstructure:"drain_interval_ms"`
}

var flagNames = map[string]hinako.HookFlags{
	"call-pre-call":                         hinako.FlagCallPreCall,
	"call-post-call":                        hinako.FlagCallPostCall,
	"only-pre-call":                         hinako.FlagOnlyPreCall,
	"only-post-call":                        hinako.FlagOnlyPostCall,
	"async-callbacks":                       hinako.FlagAsyncCallbacks,
	"dont-call-on-ldr-lock":                 hinako.FlagDontCallOnLdrLock,
	"dont-call-custom-handlers-on-ldr-lock": hinako.FlagDontCallCustomHandlersOnLdrLock,
	"invalidate-cache":                      hinako.FlagInvalidateCache,
	"disable-stack-walk":                    hinako.FlagDisableStackWalk,
	"dont-skip-jumps":                       hinako.FlagDontSkipJumps,
}

func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "hinakoctl: reading config %s", path)
	}

	cfg := &Config{
		BlockSize:        0, // 0 means "let the Engine default apply"
		SuspendBatchSize: 0,
		DrainRetries:     0,
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "hinakoctl: decoding config")
	}
	return cfg, nil
}

// toSpecs converts the config's hook list into hinako.HookSpec, parsing
// each address as a Go integer literal (accepts "0x..." and plain
// decimal) and resolving flag names against flagNames.
func (c *Config) toSpecs() ([]hinako.HookSpec, error) {
	specs := make([]hinako.HookSpec, 0, len(c.Hooks))
	seen := make(map[uint32]bool, len(c.Hooks))
	for i, h := range c.Hooks {
		if seen[h.ID] {
			return nil, errors.Errorf("hinakoctl: duplicate hook id %d at entry %d", h.ID, i)
		}
		seen[h.ID] = true

		addr, err := strconv.ParseUint(strings.TrimSpace(h.Address), 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "hinakoctl: hook %d: invalid address %q", h.ID, h.Address)
		}

		var flags hinako.HookFlags
		for _, name := range h.Flags {
			bit, ok := flagNames[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return nil, errors.Errorf("hinakoctl: hook %d: unknown flag %q", h.ID, name)
			}
			flags |= bit
		}

		specs = append(specs, hinako.HookSpec{
			ID:           h.ID,
			Target:       uintptr(addr),
			FunctionName: h.FunctionName,
			Flags:        flags,
		})
	}
	return specs, nil
}

func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d hook(s)", len(c.Hooks))
	if c.BlockSize != 0 {
		fmt.Fprintf(&b, ", block_size=%d", c.BlockSize)
	}
	if c.SuspendBatchSize != 0 {
		fmt.Fprintf(&b, ", suspend_batch_size=%d", c.SuspendBatchSize)
	}
	return b.String()
}
