// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config provides basic infrastructure to set configuration settings
// for vmspace. Each setting that can be changed from the command line must
// have a corresponding flag name in the Config struct.
//
// Settings may also be read from a TOML file named by --config, whose [flags]
// table maps flag names to values. Flags given on the command line take
// precedence over the file.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/refs"
	"gvisor.dev/vmspace/pkg/sentry/mm"
	"gvisor.dev/vmspace/pkg/sentry/platform/softmmu"
)

// Config holds configuration that is not part of any single command.
type Config struct {
	// ConfigFile is the path of an optional TOML configuration file.
	ConfigFile string `flag:"config"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// CPUs is the number of emulated CPUs.
	CPUs int `flag:"cpus"`

	// MaxRegions is the maximum number of regions in an address space.
	MaxRegions int `flag:"max-regions"`

	// MemoryPages limits the number of pages of the memory file. 0 means no
	// limit.
	MemoryPages uint64 `flag:"memory-pages"`

	// MinAddress and MaxAddress bound the user portion of every address
	// space.
	MinAddress uint64 `flag:"min-address"`
	MaxAddress uint64 `flag:"max-address"`
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file whose [flags] table sets default flag values.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), warning, panic.")

	// Flags that control the emulated machine.
	flagSet.Int("cpus", 1, "number of emulated CPUs.")
	flagSet.Int("max-regions", mm.DefaultMaxRegions, "maximum number of regions in an address space.")
	flagSet.Uint64("memory-pages", 0, "maximum number of pages in the memory file. 0 means no limit.")
	flagSet.Uint64("min-address", uint64(softmmu.DefaultMinUserAddress), "lowest user address.")
	flagSet.Uint64("max-address", uint64(softmmu.DefaultMaxUserAddress), "end of the user portion of the address space.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set, after applying the configuration file named by --config, if any.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		f, err := LoadFile(fl.Value.String())
		if err != nil {
			return nil, err
		}
		if err := f.Apply(flagSet); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("Flag %q does not implement flag.Getter", name))
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if c.CPUs < 1 {
		return fmt.Errorf("--cpus must be at least 1, got %d", c.CPUs)
	}
	if c.MaxRegions < 1 {
		return fmt.Errorf("--max-regions must be at least 1, got %d", c.MaxRegions)
	}
	minAddr, maxAddr := hostarch.Addr(c.MinAddress), hostarch.Addr(c.MaxAddress)
	if !minAddr.IsPageAligned() || !maxAddr.IsPageAligned() {
		return fmt.Errorf("--min-address (%#x) and --max-address (%#x) must be page-aligned", c.MinAddress, c.MaxAddress)
	}
	if minAddr == 0 || minAddr >= maxAddr {
		return fmt.Errorf("invalid user address range [%#x, %#x)", c.MinAddress, c.MaxAddress)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags with default values are omitted.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := getVal(obj.Field(i))
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// File is the contents of a configuration file. For example:
//
//	[flags]
//	debug = true
//	log-format = "json"
//	max-regions = 1024
type File struct {
	// Flags maps flag names to values. Values are converted to strings and
	// parsed by the flag, as if given on the command line.
	Flags map[string]any `toml:"flags"`
}

// LoadFile loads a configuration file.
func LoadFile(path string) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("loading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	return &f, nil
}

// Apply sets the flags of flagSet named in f, except those that were set
// explicitly on the command line.
func (f *File) Apply(flagSet *flag.FlagSet) error {
	explicit := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		explicit[fl.Name] = true
	})

	names := make([]string, 0, len(f.Flags))
	for name := range f.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "config" {
			return fmt.Errorf("config file cannot set --config")
		}
		if flagSet.Lookup(name) == nil {
			return fmt.Errorf("config file sets unknown flag %q", name)
		}
		if explicit[name] {
			continue
		}
		if err := flagSet.Set(name, fmt.Sprint(f.Flags[name])); err != nil {
			return fmt.Errorf("config file sets invalid value for %q: %w", name, err)
		}
	}
	return nil
}
