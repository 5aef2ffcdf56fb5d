package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides. A single underscore separates
// key segments and a double underscore is a literal one: SWARM_ROUTER_MAX__RETRIES
// overrides "router.max_retries".
const EnvPrefix = "SWARM_"

// Load reads a YAML file into a flattened Config. An empty path yields an empty
// Config. Environment overrides are applied afterwards; envFile, when non-empty,
// is loaded into the process environment first.
func Load(path, envFile string) (*Config, error) {
	cfg := New()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		values, err := ParseYAML(data)
		if err != nil {
			return nil, err
		}
		cfg.Update(values)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg.Update(EnvOverrides(os.Environ()))
	return cfg, nil
}

// ParseYAML flattens a YAML document into dotted keys. Sequences of scalars are
// joined with commas; sequences of mappings are indexed ("validators.0.id").
func ParseYAML(data []byte) (map[string]string, error) {
	var root map[string]interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	out := make(map[string]string)
	flatten("", root, out)
	return out, nil
}

func flatten(prefix string, v interface{}, out map[string]string) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			flatten(join(prefix, k), child, out)
		}
	case []interface{}:
		scalars := make([]string, 0, len(val))
		for i, child := range val {
			switch child.(type) {
			case map[string]interface{}, []interface{}:
				flatten(join(prefix, strconv.Itoa(i)), child, out)
			default:
				scalars = append(scalars, fmt.Sprint(child))
			}
		}
		if len(scalars) > 0 {
			out[prefix] = strings.Join(scalars, ",")
		}
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(val)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// EnvOverrides converts SWARM_* variables from environ ("KEY=value" pairs) to dotted keys
func EnvOverrides(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		key = strings.ReplaceAll(key, "__", "\x00")
		key = strings.ReplaceAll(key, "_", ".")
		key = strings.ReplaceAll(key, "\x00", "_")
		out[key] = value
	}
	return out
}

// Indexed collects list entries written as "<prefix>.<n>.<field>" and returns
// them in index order.
func (c *Config) Indexed(prefix string) []map[string]string {
	byIndex := make(map[int]map[string]string)
	for k, v := range c.Prefixed(prefix) {
		idx, field, ok := strings.Cut(k, ".")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		if byIndex[n] == nil {
			byIndex[n] = make(map[string]string)
		}
		byIndex[n][field] = v
	}

	indexes := make([]int, 0, len(byIndex))
	for n := range byIndex {
		indexes = append(indexes, n)
	}
	sort.Ints(indexes)

	out := make([]map[string]string, 0, len(indexes))
	for _, n := range indexes {
		out = append(out, byIndex[n])
	}
	return out
}
