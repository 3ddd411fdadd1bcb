// Package config loads the store's configuration from a single JSON file
// or a directory of JSON files, merged with github.com/spf13/viper the way
// stackvity-lung-cancer-review-api/internal/config loads layered env+file
// configuration for its own service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/dicomstore/dicomstore/errors"
)

// Modality describes one DICOM peer the store can send instances to.
type Modality struct {
	AET          string `mapstructure:"AET" json:"AET"`
	Host         string `mapstructure:"Host" json:"Host"`
	Port         int    `mapstructure:"Port" json:"Port"`
	Manufacturer string `mapstructure:"Manufacturer" json:"Manufacturer"`
}

// Peer describes one HTTP REST peer used for peerStore fan-out.
type Peer struct {
	URL      string `mapstructure:"URL" json:"URL"`
	Username string `mapstructure:"Username" json:"Username"`
	Password string `mapstructure:"Password" json:"Password"`
}

// Config is the store's full set of recognized configuration options, per
// the external-interfaces section of the specification this store
// implements.
type Config struct {
	StorageDirectory string `mapstructure:"StorageDirectory"`
	IndexDirectory   string `mapstructure:"IndexDirectory"`

	StorageCompression   bool  `mapstructure:"StorageCompression"`
	MaximumStorageSize   int64 `mapstructure:"MaximumStorageSize"`
	MaximumPatientCount  int64 `mapstructure:"MaximumPatientCount"`

	DicomPort              uint16 `mapstructure:"DicomPort"`
	DicomAet               string `mapstructure:"DicomAet"`
	DicomCheckCalledAet    bool   `mapstructure:"DicomCheckCalledAet"`
	DicomCheckModalityHost bool   `mapstructure:"DicomCheckModalityHost"`
	DicomScuTimeout        int    `mapstructure:"DicomScuTimeout"`
	DicomScpTimeout        int    `mapstructure:"DicomScpTimeout"`

	KeepAlive              bool `mapstructure:"KeepAlive"`
	HttpCompressionEnabled bool `mapstructure:"HttpCompressionEnabled"`

	DicomModalities           map[string]Modality `mapstructure:"DicomModalities"`
	DicomModalitiesInDatabase bool                `mapstructure:"DicomModalitiesInDatabase"`
	OrthancPeers              map[string]Peer     `mapstructure:"OrthancPeers"`

	StrictAetComparison   bool   `mapstructure:"StrictAetComparison"`
	DefaultEncoding       string `mapstructure:"DefaultEncoding"`
	TemporaryDirectory    string `mapstructure:"TemporaryDirectory"`
	DefaultPrivateCreator string `mapstructure:"DefaultPrivateCreator"`
}

// defaults mirrors the values the teacher's flag-based main.go hard-coded;
// Load falls back to these whenever a key is absent from every config file.
func defaults() Config {
	return Config{
		StorageCompression:     false,
		MaximumStorageSize:     0,
		MaximumPatientCount:    0,
		DicomPort:              104,
		DicomAet:               "ANY-SCP",
		DicomCheckCalledAet:    false,
		DicomCheckModalityHost: false,
		DicomScuTimeout:        10,
		DicomScpTimeout:        30,
		KeepAlive:              true,
		HttpCompressionEnabled: true,
		DefaultEncoding:        "Latin1",
		TemporaryDirectory:     os.TempDir(),
	}
}

var envInterpolation = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces every ${NAME} occurrence in raw with the value of
// the environment variable NAME, prior to any JSON parsing.
func interpolateEnv(raw []byte) []byte {
	return envInterpolation.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envInterpolation.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads configuration from path, which may be a single JSON file or a
// directory containing one or more JSON files (read in sorted filename
// order for determinism). Every file is interpolated for ${NAME}
// environment references, then merged; a top-level key present in more
// than one file is an error. An AE title longer than 16 characters, or one
// using characters outside [A-Z0-9_-], is rejected.
func Load(path string) (Config, error) {
	files, err := configFiles(path)
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigType("json")

	seen := make(map[string]string) // top-level key -> file that set it
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return Config{}, errors.Wrap(errors.KindBadFileFormat, "config.Load", fmt.Sprintf("cannot read %s", file), err)
		}
		raw = interpolateEnv(raw)

		var layer map[string]json.RawMessage
		if err := json.Unmarshal(raw, &layer); err != nil {
			return Config{}, errors.Wrap(errors.KindBadFileFormat, "config.Load", fmt.Sprintf("cannot parse %s", file), err)
		}
		for key := range layer {
			if owner, ok := seen[key]; ok {
				return Config{}, errors.New(errors.KindBadRequest, "config.Load", fmt.Sprintf("key %q set in both %s and %s", key, owner, file))
			}
			seen[key] = file
		}

		layerViper := viper.New()
		layerViper.SetConfigType("json")
		if err := layerViper.ReadConfig(strings.NewReader(string(raw))); err != nil {
			return Config{}, errors.Wrap(errors.KindBadFileFormat, "config.Load", fmt.Sprintf("cannot load %s", file), err)
		}
		if err := v.MergeConfigMap(layerViper.AllSettings()); err != nil {
			return Config{}, errors.Wrap(errors.KindInternalError, "config.Load", fmt.Sprintf("cannot merge %s", file), err)
		}
	}

	v.AutomaticEnv()

	cfg := defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(errors.KindInternalError, "config.Load", "cannot unmarshal", err)
	}

	if cfg.IndexDirectory == "" {
		cfg.IndexDirectory = cfg.StorageDirectory
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validAET = regexp.MustCompile(`^[A-Z0-9_-]{1,16}$`)

func validate(cfg Config) error {
	if cfg.StorageDirectory == "" {
		return errors.New(errors.KindBadRequest, "config.Load", "StorageDirectory is required")
	}
	if !validAET.MatchString(cfg.DicomAet) {
		return errors.New(errors.KindBadRequest, "config.Load", fmt.Sprintf("DicomAet %q must be 1-16 characters from [A-Z0-9_-]", cfg.DicomAet))
	}
	for name, m := range cfg.DicomModalities {
		if !validAET.MatchString(m.AET) {
			return errors.New(errors.KindBadRequest, "config.Load", fmt.Sprintf("modality %q has invalid AET %q", name, m.AET))
		}
	}
	return nil
}

func configFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindInexistentItem, "config.Load", fmt.Sprintf("cannot stat %s", path), err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindInexistentItem, "config.Load", fmt.Sprintf("cannot read directory %s", path), err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errors.New(errors.KindInexistentItem, "config.Load", fmt.Sprintf("no .json files found in %s", path))
	}
	return files, nil
}
