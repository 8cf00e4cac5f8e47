package rstash

import (
	"encoding"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ShoshinNikita/rstash/pkg/rlog"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	BuildInfo BuildInfo

	ServerPort int    `env:"PORT"`
	Dir        string `env:"DIR"`
	// PublicURL is used as a base for display references. If empty, it is
	// built from the server port.
	PublicURL string `env:"PUBLIC_URL"`

	Storage        StorageType    `env:"STORAGE"`
	ZipCompression ZipCompression `env:"ZIP_COMPRESSION"`
	MaxUploadSize  MiB            `env:"MAX_UPLOAD_SIZE"`

	// Debug options

	LogLevel rlog.Level `env:"LOG_LEVEL"`
}

// EnvPrefix is the prefix of all environment variables that override the default config values.
const EnvPrefix = "RSTASH_"

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

type StorageType string

const (
	// SQLiteStorage keeps assets in a SQLite database in the app data dir.
	SQLiteStorage StorageType = "sqlite"
	// BoltStorage keeps assets in a bbolt key-value database in the app data dir.
	BoltStorage StorageType = "bolt"
	// MemoryStorage keeps assets in memory. All assets are lost on shutdown.
	MemoryStorage StorageType = "memory"
)

func (t StorageType) MarshalText() (text []byte, err error) {
	return []byte(t), nil
}

func (t *StorageType) UnmarshalText(text []byte) error {
	*t = StorageType(text)

	return checkEnum(*t, SQLiteStorage, BoltStorage, MemoryStorage)
}

type ZipCompression string

const (
	DeflateCompression ZipCompression = "deflate"
	// ZstdCompression produces smaller archives, but not every unzip tool can read them.
	ZstdCompression ZipCompression = "zstd"
)

func (c ZipCompression) MarshalText() (text []byte, err error) {
	return []byte(c), nil
}

func (c *ZipCompression) UnmarshalText(text []byte) error {
	*c = ZipCompression(text)

	return checkEnum(*c, DeflateCompression, ZstdCompression)
}

func checkEnum[T comparable](v T, validValues ...T) error {
	if !slices.Contains(validValues, v) {
		return fmt.Errorf("valid values: %v", validValues)
	}
	return nil
}

type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb) << 20
}

func (mb MiB) String() string {
	text, _ := mb.MarshalText()
	return string(text)
}

func (mb MiB) MarshalText() (text []byte, err error) {
	if mb >= 1024 && mb%1024 == 0 {
		return []byte(strconv.Itoa(int(mb/1024)) + "Gi"), nil
	}
	return []byte(strconv.Itoa(int(mb)) + "Mi"), nil
}

func (mb *MiB) UnmarshalText(data []byte) error {
	text := string(data)

	mul := 1
	switch {
	case strings.HasSuffix(text, "Mi"):
	case strings.HasSuffix(text, "Gi"):
		mul = 1024
	default:
		return fmt.Errorf("valid suffixes: Mi, Gi")
	}
	n, err := strconv.Atoi(text[:len(text)-2])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}

	*mb = MiB(n * mul)
	return nil
}

type flagParams struct {
	// p is a pointer to a value.
	p            any
	defaultValue any
	desc         string
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	return map[string]flagParams{
		"port": {
			p: &cfg.ServerPort, defaultValue: 8080, desc: "Server port",
		},
		"dir": {
			p: &cfg.Dir, defaultValue: "./var", desc: "Directory for app data (asset database)",
		},
		"public-url": {
			p: &cfg.PublicURL, defaultValue: "", desc: "" +
				"Base url for display references, optional. If url is not specified,\n" +
				"http://localhost:<port> is used",
		},
		//
		"storage": {
			p: &cfg.Storage, defaultValue: SQLiteStorage, desc: "" +
				"Available storage types:\n" +
				"  - sqlite: persist assets in <dir>/" + SQLiteFilename + "\n" +
				"  - bolt: persist assets in <dir>/" + BoltFilename + "\n" +
				"  - memory: keep assets in memory, all data is lost on shutdown\n",
		},
		"zip-compression": {
			p: &cfg.ZipCompression, defaultValue: DeflateCompression, desc: "" +
				"Compression method of exported archives:\n" +
				"  - deflate: supported by every unzip tool\n" +
				"  - zstd: faster and smaller, requires a modern unzip tool\n",
		},
		"max-upload-size": {
			p: &cfg.MaxUploadSize, defaultValue: MiB(512), desc: "Max size of an uploaded asset or archive",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, defaultValue: rlog.LevelInfo, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
	}
}

// Names of database files in the app data dir.
const (
	SQLiteFilename = "assets.db"
	BoltFilename   = "assets.bolt"
)

// ParseConfig parses the config from command line flags. Environment variables
// with [EnvPrefix] override the default values, flags override both.
func ParseConfig() (Config, error) {
	cfg, printVersion, err := parseConfig(flag.CommandLine, os.Args[1:], nil)
	if printVersion {
		cfg.BuildInfo.Print()
		os.Exit(0)
	}
	return cfg, err
}

// parseConfig uses the process environment if environ is nil.
func parseConfig(fs *flag.FlagSet, args []string, environ map[string]string) (cfg Config, printVersion bool, err error) {
	cfg = Config{
		BuildInfo: readBuildInfo(),
	}

	fs.BoolVar(&printVersion, "version", false, "Print version and exit")

	flags := cfg.getFlagParams()
	for name, params := range flags {
		switch p := params.p.(type) {
		case *bool:
			fs.BoolVar(p, name, params.defaultValue.(bool), params.desc)
		case *int:
			fs.IntVar(p, name, params.defaultValue.(int), params.desc)
		case *string:
			fs.StringVar(p, name, params.defaultValue.(string), params.desc)
		case encoding.TextUnmarshaler:
			fs.TextVar(p, name, params.defaultValue.(encoding.TextMarshaler), params.desc)
		default:
			return Config{}, false, fmt.Errorf("flag %q has unsupported type: %T", name, p)
		}
	}

	err = env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	})
	if err != nil {
		return cfg, false, fmt.Errorf("couldn't parse env: %w", err)
	}

	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if printVersion {
		return cfg, true, nil
	}

	if cfg.ServerPort <= 0 {
		return cfg, false, errors.New("server port must be > 0")
	}
	if cfg.Storage != MemoryStorage && cfg.Dir == "" {
		return cfg, false, errors.New("dir can't be empty")
	}
	if cfg.MaxUploadSize <= 0 {
		return cfg, false, errors.New("max upload size must be > 0")
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:" + strconv.Itoa(cfg.ServerPort)
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")

	return cfg, false, nil
}

func readBuildInfo() BuildInfo {
	res := BuildInfo{
		ShortGitHash: "unknown",
		CommitTime:   "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return res
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			res.ShortGitHash = s.Value
			if len(res.ShortGitHash) > 7 {
				res.ShortGitHash = res.ShortGitHash[:7]
			}

		case "vcs.time":
			t, err := time.Parse(time.RFC3339, s.Value)
			if err == nil {
				res.CommitTime = t.UTC().Format("2006-01-02 15:04:05 UTC")
			}
		}
	}
	return res
}

func (info BuildInfo) Print() {
	fmt.Fprintf(os.Stderr, `
    rstash - offline asset storage

    Commit Hash: %q
    Commit Time: %q

`,
		info.ShortGitHash,
		info.CommitTime,
	)
}

func (cfg Config) Print() {
	cfg.print(os.Stderr)
}

func (cfg Config) print(w io.Writer) {
	flags := cfg.getFlagParams()

	var (
		names         = make([]string, 0, len(flags))
		maxNameLength int
	)
	for name := range flags {
		if len(name) > maxNameLength {
			maxNameLength = len(name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprint(w, "    Config:\n\n")
	for _, name := range names {
		fmt.Fprintf(w, "        --%-*s = %v\n", maxNameLength, name, reflect.ValueOf(flags[name].p).Elem())
	}
	fmt.Fprint(w, "\n")
}
