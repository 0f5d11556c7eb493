// Package pkgfile reads and writes package files: the description of a
// data package with its inferred schemas and the sources it was built from.
package pkgfile

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver"
	"gopkg.in/yaml.v3"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/json"
	"github.com/big-armor/datapm-sub007/pkg/schema"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// PackageFile describes one version of a data package
type PackageFile struct {
	CatalogSlug string    `json:"catalogSlug" yaml:"catalogSlug"`
	PackageSlug string    `json:"packageSlug" yaml:"packageSlug"`
	Version     string    `json:"version" yaml:"version"`
	DisplayName string    `json:"displayName" yaml:"displayName"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	UpdatedDate time.Time `json:"updatedDate" yaml:"updatedDate"`
	Schemas     []*Schema `json:"schemas" yaml:"schemas"`
	Sources     []*Source `json:"sources" yaml:"sources"`
}

// Schema is a schema descriptor together with its slug
type Schema struct {
	Slug                    string `json:"slug" yaml:"slug"`
	schema.SchemaDescriptor `yaml:",inline"`
}

// Source records how a source was configured
type Source struct {
	Type       string      `json:"type" yaml:"type"`
	Connection core.Config `json:"connectionConfiguration" yaml:"connectionConfiguration"`
	Config     core.Config `json:"configuration" yaml:"configuration"`
	StreamSets []StreamSet `json:"streamSets" yaml:"streamSets"`
}

// StreamSet summarizes a stream set at packaging time
type StreamSet struct {
	Slug            string   `json:"slug" yaml:"slug"`
	SchemaSlugs     []string `json:"schemaSlugs" yaml:"schemaSlugs"`
	StreamCount     int      `json:"streamCount" yaml:"streamCount"`
	ExpectedBytes   int64    `json:"expectedBytes,omitempty" yaml:"expectedBytes,omitempty"`
	ExpectedRecords int64    `json:"expectedRecords,omitempty" yaml:"expectedRecords,omitempty"`
}

// Validate checks the identifying fields
func (p *PackageFile) Validate() error {
	if p.CatalogSlug == "" || p.PackageSlug == "" {
		return errors.New(errors.ErrorTypeValidation, "package file requires catalogSlug and packageSlug")
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid package version").
			WithDetail("version", p.Version)
	}
	seen := make(map[string]bool, len(p.Schemas))
	for _, s := range p.Schemas {
		if s.Slug == "" {
			return errors.New(errors.ErrorTypeValidation, "schema without slug")
		}
		if seen[s.Slug] {
			return errors.Newf(errors.ErrorTypeValidation, "duplicate schema %q", s.Slug)
		}
		seen[s.Slug] = true
	}
	return nil
}

// MajorVersion returns the major component of Version, or 0 when it does
// not parse
func (p *PackageFile) MajorVersion() int {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return 0
	}
	return int(v.Major())
}

// StateKey identifies the sink state of this package version
func (p *PackageFile) StateKey() sink.StateKey {
	return sink.StateKey{CatalogSlug: p.CatalogSlug, PackageSlug: p.PackageSlug, MajorVersion: p.MajorVersion()}
}

// Schema returns the schema with slug, or nil
func (p *PackageFile) Schema(slug string) *schema.SchemaDescriptor {
	for _, s := range p.Schemas {
		if s.Slug == slug {
			return &s.SchemaDescriptor
		}
	}
	return nil
}

// SchemaMap returns the schemas keyed by slug
func (p *PackageFile) SchemaMap() map[string]*schema.SchemaDescriptor {
	out := make(map[string]*schema.SchemaDescriptor, len(p.Schemas))
	for _, s := range p.Schemas {
		out[s.Slug] = &s.SchemaDescriptor
	}
	return out
}

// SetSchemas replaces the schemas, ordered by slug
func (p *PackageFile) SetSchemas(schemas map[string]*schema.SchemaDescriptor) {
	slugs := make([]string, 0, len(schemas))
	for slug := range schemas {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	p.Schemas = make([]*Schema, len(slugs))
	for i, slug := range slugs {
		p.Schemas[i] = &Schema{Slug: slug, SchemaDescriptor: *schemas[slug]}
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Read loads a package file. Files ending in .yaml or .yml are YAML; any
// other file is JSON.
func Read(path string) (*PackageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.ErrorTypeNotFound, "package file not found").WithDetail("path", path)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read package file")
	}
	return Decode(data, isYAML(path))
}

// Decode parses package file contents
func Decode(data []byte, asYAML bool) (*PackageFile, error) {
	p := &PackageFile{}
	var err error
	if asYAML {
		err = yaml.Unmarshal(data, p)
	} else {
		err = json.Unmarshal(data, p)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid package file")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode serializes the package file
func Encode(p *PackageFile, asYAML bool) ([]byte, error) {
	if asYAML {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.MarshalIndent(p, "", "  ")
}

// Write validates and stores a package file, replacing it atomically
func Write(path string, p *PackageFile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := Encode(p, isYAML(path))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode package file")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write package file").WithDetail("path", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write package file").WithDetail("path", path)
	}
	return nil
}
