package config

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Provider is the section/key view apps use to read their own settings.
// Getters return def when the key is missing or does not convert.
type Provider interface {
	GetString(section, key, def string) string
	GetBool(section, key string, def bool) bool
	GetUint64(section, key string, def uint64) uint64
	GetDouble(section, key string, def float64) float64
	// GetAllKeys lists the keys of a section. Order is implementation defined.
	GetAllKeys(section string) []string
}

// Sections is a Provider over a TOML document. Top-level tables are sections;
// nested tables flatten into dotted keys. GetAllKeys keeps file order.
type Sections struct {
	mu     sync.RWMutex
	values map[string]map[string]any
	order  map[string][]string
}

// LoadSections parses a TOML file.
func LoadSections(path string) (*Sections, error) {
	var raw map[string]any
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load sections %s: %w", path, err)
	}
	return newSections(md, raw), nil
}

// ParseSections parses TOML text.
func ParseSections(data string) (*Sections, error) {
	var raw map[string]any
	md, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("parse sections: %w", err)
	}
	return newSections(md, raw), nil
}

func newSections(md toml.MetaData, raw map[string]any) *Sections {
	s := &Sections{values: map[string]map[string]any{}, order: map[string][]string{}}
	for _, k := range md.Keys() {
		if len(k) < 2 {
			continue
		}
		if md.Type(k...) == "Hash" {
			continue
		}
		section, key := k[0], strings.Join(k[1:], ".")
		v, ok := lookup(raw, k)
		if !ok {
			continue
		}
		if s.values[section] == nil {
			s.values[section] = map[string]any{}
		}
		if _, dup := s.values[section][key]; !dup {
			s.order[section] = append(s.order[section], key)
		}
		s.values[section][key] = v
	}
	return s
}

func lookup(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, p := range path {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set overrides a value in memory, appending new keys at the end of the section.
func (s *Sections) Set(section, key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[section] == nil {
		s.values[section] = map[string]any{}
	}
	if _, ok := s.values[section][key]; !ok {
		s.order[section] = append(s.order[section], key)
	}
	s.values[section][key] = v
}

func (s *Sections) get(section, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[section][key]
	return v, ok
}

func (s *Sections) GetString(section, key, def string) string {
	v, ok := s.get(section, key)
	if !ok {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

func (s *Sections) GetBool(section, key string, def bool) bool {
	v, ok := s.get(section, key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if p, err := strconv.ParseBool(b); err == nil {
			return p
		}
	}
	return def
}

func (s *Sections) GetUint64(section, key string, def uint64) uint64 {
	v, ok := s.get(section, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int64:
		if n >= 0 {
			return uint64(n)
		}
	case float64:
		if n >= 0 && n <= math.MaxUint64 {
			return uint64(n)
		}
	case string:
		if p, err := strconv.ParseUint(n, 0, 64); err == nil {
			return p
		}
	}
	return def
}

func (s *Sections) GetDouble(section, key string, def float64) float64 {
	v, ok := s.get(section, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		if p, err := strconv.ParseFloat(n, 64); err == nil {
			return p
		}
	}
	return def
}

func (s *Sections) GetAllKeys(section string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order[section]...)
}

// ViperProvider adapts a viper instance. Keys are lower-cased by viper and
// GetAllKeys returns them sorted.
type ViperProvider struct {
	V *viper.Viper
}

func (p ViperProvider) key(section, key string) string {
	return section + "." + key
}

func (p ViperProvider) GetString(section, key, def string) string {
	if !p.V.IsSet(p.key(section, key)) {
		return def
	}
	return p.V.GetString(p.key(section, key))
}

func (p ViperProvider) GetBool(section, key string, def bool) bool {
	if !p.V.IsSet(p.key(section, key)) {
		return def
	}
	return p.V.GetBool(p.key(section, key))
}

func (p ViperProvider) GetUint64(section, key string, def uint64) uint64 {
	if !p.V.IsSet(p.key(section, key)) {
		return def
	}
	return p.V.GetUint64(p.key(section, key))
}

func (p ViperProvider) GetDouble(section, key string, def float64) float64 {
	if !p.V.IsSet(p.key(section, key)) {
		return def
	}
	return p.V.GetFloat64(p.key(section, key))
}

func (p ViperProvider) GetAllKeys(section string) []string {
	sub := p.V.Sub(section)
	if sub == nil {
		return nil
	}
	keys := sub.AllKeys()
	sort.Strings(keys)
	return keys
}
