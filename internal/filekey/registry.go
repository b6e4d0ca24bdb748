package filekey

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry maps ODS codes to suppliers and holds each supplier's permissions.
type Registry struct {
	VaccineTypes []string         `yaml:"vaccine_types"`
	Suppliers    []SupplierRecord `yaml:"suppliers"`

	byODS      map[string]string
	byName     map[string][]string
	vaccineSet map[string]struct{}
}

// SupplierRecord is one supplier entry in the registry file.
type SupplierRecord struct {
	Name        string   `yaml:"name"`
	ODSCodes    []string `yaml:"ods_codes"`
	Permissions []string `yaml:"permissions"`
}

// LoadRegistry reads the YAML registry at path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read supplier registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and indexes a YAML registry.
func ParseRegistry(data []byte) (*Registry, error) {
	var r Registry
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("parse supplier registry: %w", err)
	}
	if err := r.index(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Registry) index() error {
	r.byODS = map[string]string{}
	r.byName = map[string][]string{}
	r.vaccineSet = map[string]struct{}{}
	for _, v := range r.VaccineTypes {
		r.vaccineSet[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	if len(r.vaccineSet) == 0 {
		return fmt.Errorf("supplier registry lists no vaccine types")
	}
	for _, s := range r.Suppliers {
		name := strings.ToUpper(strings.TrimSpace(s.Name))
		if name == "" {
			return fmt.Errorf("supplier registry entry without name")
		}
		for _, code := range s.ODSCodes {
			code = strings.ToUpper(strings.TrimSpace(code))
			if prev, dup := r.byODS[code]; dup && prev != name {
				return fmt.Errorf("ods code %s mapped to both %s and %s", code, prev, name)
			}
			r.byODS[code] = name
		}
		perms := make([]string, 0, len(s.Permissions))
		for _, p := range s.Permissions {
			perms = append(perms, strings.ToUpper(strings.TrimSpace(p)))
		}
		r.byName[name] = append(r.byName[name], perms...)
	}
	return nil
}

// SupplierForODS resolves an ODS code; ok is false when unknown.
func (r *Registry) SupplierForODS(code string) (string, bool) {
	name, ok := r.byODS[strings.ToUpper(strings.TrimSpace(code))]
	return name, ok
}

// IsVaccineType reports whether the vaccine type is accepted.
func (r *Registry) IsVaccineType(v string) bool {
	_, ok := r.vaccineSet[strings.ToUpper(strings.TrimSpace(v))]
	return ok
}

// Permissions implements PermissionSource.
func (r *Registry) Permissions(_ context.Context, supplier string) ([]string, error) {
	perms := r.byName[strings.ToUpper(strings.TrimSpace(supplier))]
	return append([]string(nil), perms...), nil
}
