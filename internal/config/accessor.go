package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Paths are "<section>.<key>" using the JSON names, e.g. "batch.sendDelaySeconds".
// The config is two levels deep, so a path never has more than two parts.

// GetByPath returns a whole section ("delivery") or one value ("delivery.readyPollAttempts").
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := lookup(cfg, path, false)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses value according to the type of the setting at path and
// stores it. List settings such as server.corsOrigins take a comma-separated value.
func SetByPath(cfg *Config, path, value string) error {
	f, err := lookup(cfg, path, true)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)

	switch f.Kind() {
	case reflect.String:
		f.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s expects true or false, got %q", path, value)
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || f.OverflowInt(n) {
			return fmt.Errorf("%s expects a whole number, got %q", path, value)
		}
		f.SetInt(n)
	case reflect.Float64:
		x, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s expects a number, got %q", path, value)
		}
		f.SetFloat(x)
	case reflect.Slice:
		var items []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		f.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("%s cannot be set from the command line", path)
	}
	return nil
}

// ListPaths returns every "<section>.<key>" with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	root := reflect.ValueOf(cfg).Elem()
	for _, section := range names(root.Type()) {
		sec, _ := field(root, section)
		for _, key := range names(sec.Type()) {
			v, _ := field(sec, key)
			out[section+"."+key] = v.Interface()
		}
	}
	return out
}

func lookup(cfg *Config, path string, leaf bool) (reflect.Value, error) {
	parts := strings.Split(path, ".")
	root := reflect.ValueOf(cfg).Elem()

	sec, ok := field(root, parts[0])
	if !ok {
		return reflect.Value{}, fmt.Errorf("unknown section %q (sections: %s)",
			parts[0], strings.Join(names(root.Type()), ", "))
	}
	switch {
	case len(parts) == 1 && !leaf:
		return sec, nil
	case len(parts) != 2:
		return reflect.Value{}, fmt.Errorf("path must look like %s.<key>", parts[0])
	}

	v, ok := field(sec, parts[1])
	if !ok {
		return reflect.Value{}, fmt.Errorf("unknown key %q in %s (keys: %s)",
			parts[1], parts[0], strings.Join(names(sec.Type()), ", "))
	}
	return v, nil
}

// field finds the struct field whose JSON name is name.
func field(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		if jsonName(t.Field(i)) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// names lists the JSON names of t's fields, sorted.
func names(t reflect.Type) []string {
	out := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		if n := jsonName(t.Field(i)); n != "" && n != "-" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	return name
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	if copy.Server.APIKey != "" {
		copy.Server.APIKey = maskString(copy.Server.APIKey)
	}

	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
