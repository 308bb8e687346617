package refrange

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPolicy = errors.New("invalid coverage policy")
	ErrPanelNotFound = errors.New("panel not found")
)

//go:embed policy.yaml
var defaultPolicyYAML []byte

// Bracket is an age segment in years.
type Bracket struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// PanelEntry is one parameter of a canonical panel with its defaults.
type PanelEntry struct {
	Name     string `yaml:"name" json:"name"`
	Unit     string `yaml:"unit" json:"unit"`
	Decimals int    `yaml:"decimals" json:"decimals"`
}

// Panel is a well-known laboratory test used as a backfill template.
type Panel struct {
	Code    string       `yaml:"code" json:"code"`
	Name    string       `yaml:"name" json:"name"`
	Entries []PanelEntry `yaml:"parameters" json:"parameters"`
}

// Policy is the versioned age/sex segmentation used by coverage synthesis.
type Policy struct {
	Version           string    `yaml:"version" json:"version"`
	PlaceholderNote   string    `yaml:"placeholder_note" json:"placeholder_note"`
	SexSplitMinAge    float64   `yaml:"sex_split_min_age" json:"sex_split_min_age"`
	Brackets          []Bracket `yaml:"age_brackets" json:"age_brackets"`
	SexDifferentiated []string  `yaml:"sex_differentiated" json:"sex_differentiated"`
	Panels            []Panel   `yaml:"panels" json:"panels"`

	sexDiff mapset.Set[string]
}

var (
	defaultPolicyOnce sync.Once
	defaultPolicy     *Policy
)

// DefaultPolicy returns the embedded policy. It panics if the embedded
// document is invalid.
func DefaultPolicy() *Policy {
	defaultPolicyOnce.Do(func() {
		p, err := LoadPolicy(bytes.NewReader(defaultPolicyYAML))
		if err != nil {
			panic(fmt.Sprintf("embedded coverage policy: %v", err))
		}
		defaultPolicy = p
	})
	return defaultPolicy
}

// LoadPolicyFile reads a policy document from path.
func LoadPolicyFile(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy %s: %w", path, err)
	}
	defer f.Close()
	return LoadPolicy(f)
}

// LoadPolicy decodes and validates a YAML policy document.
func LoadPolicy(r io.Reader) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidPolicy, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.sexDiff = mapset.NewThreadUnsafeSet[string]()
	for _, name := range p.SexDifferentiated {
		p.sexDiff.Add(foldKey(name))
	}
	return &p, nil
}

func (p *Policy) validate() error {
	if p.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidPolicy)
	}
	if p.PlaceholderNote == "" {
		return fmt.Errorf("%w: placeholder_note is required", ErrInvalidPolicy)
	}
	if len(p.Brackets) == 0 {
		return fmt.Errorf("%w: at least one age bracket is required", ErrInvalidPolicy)
	}
	for i, b := range p.Brackets {
		if b.Min < 0 || b.Max <= b.Min {
			return fmt.Errorf("%w: bracket %d [%v, %v) is empty or negative", ErrInvalidPolicy, i, b.Min, b.Max)
		}
		if i > 0 && p.Brackets[i-1].Max != b.Min {
			return fmt.Errorf("%w: bracket %d does not start where bracket %d ends", ErrInvalidPolicy, i, i-1)
		}
	}
	codes := make(map[string]bool, len(p.Panels))
	for i, panel := range p.Panels {
		if panel.Code == "" {
			return fmt.Errorf("%w: panel %d has no code", ErrInvalidPolicy, i)
		}
		if codes[foldKey(panel.Code)] {
			return fmt.Errorf("%w: duplicate panel code %q", ErrInvalidPolicy, panel.Code)
		}
		codes[foldKey(panel.Code)] = true
		if len(panel.Entries) == 0 {
			return fmt.Errorf("%w: panel %q has no parameters", ErrInvalidPolicy, panel.Code)
		}
		for _, e := range panel.Entries {
			if e.Name == "" || e.Decimals < 0 {
				return fmt.Errorf("%w: panel %q has an entry without name or with negative decimals", ErrInvalidPolicy, panel.Code)
			}
		}
	}
	return nil
}

// IsSexDifferentiated reports whether the named parameter is on the
// sex-differentiated allow-list, ignoring case and diacritics.
func (p *Policy) IsSexDifferentiated(name string) bool {
	key := foldKey(name)
	if p.sexDiff != nil {
		return p.sexDiff.Contains(key)
	}
	for _, n := range p.SexDifferentiated {
		if foldKey(n) == key {
			return true
		}
	}
	return false
}

// Panel returns the panel with the given code.
func (p *Policy) Panel(code string) (*Panel, error) {
	key := foldKey(code)
	for i := range p.Panels {
		if foldKey(p.Panels[i].Code) == key {
			return &p.Panels[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrPanelNotFound, code)
}
