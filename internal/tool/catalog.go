package tool

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/Squadt/internal/tipi"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Tool describes an external program speaking the tipi protocol
type Tool struct {
	Name      string   `mapstructure:"name" yaml:"name"`
	Location  string   `mapstructure:"location" yaml:"location"`
	Arguments []string `mapstructure:"arguments" yaml:"arguments,omitempty"`
	// Capabilities are known after a successful query
	Capabilities *tipi.Capabilities `mapstructure:"-" yaml:"-"`
}

// Catalog is the list of tools known to the controller
type Catalog struct {
	Tools []Tool `mapstructure:"tools" yaml:"tools"`
}

// LoadCatalog reads a catalog file, the format is derived from its extension
func LoadCatalog(path string) (Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Catalog{}, fmt.Errorf("reading tool catalog %s: %w", path, err)
	}
	return decode(v, path)
}

// ReadCatalog reads a YAML catalog
func ReadCatalog(r io.Reader) (Catalog, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return Catalog{}, fmt.Errorf("reading tool catalog: %w", err)
	}
	return decode(v, "")
}

func decode(v *viper.Viper, path string) (Catalog, error) {
	var c Catalog
	if err := v.UnmarshalKey("tools", &c.Tools); err != nil {
		return Catalog{}, fmt.Errorf("decoding tool catalog: %w", err)
	}
	for idx, t := range c.Tools {
		if t.Name == "" || t.Location == "" {
			return Catalog{}, fmt.Errorf("tool catalog entry %d: name and location are required", idx)
		}
		t.Location = expand(t.Location, path)
		c.Tools[idx] = t
	}
	return c, nil
}

// expand resolves environment variables and paths relative to the catalog file
func expand(location, catalogPath string) string {
	if strings.Contains(location, "$") {
		location = os.ExpandEnv(location)
	}
	if catalogPath == "" || filepath.IsAbs(location) || !strings.ContainsRune(location, filepath.Separator) {
		return location
	}
	return filepath.Join(filepath.Dir(catalogPath), location)
}

// Store writes the catalog as YAML
func (c Catalog) Store(w io.Writer) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding tool catalog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
