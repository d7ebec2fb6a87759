package cmd

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/vdimir/esmigrate/app/reindex/types"
)

// Descriptor is a migration file, e.g.
//
//	logical: posts
//	strategy: auto
//	wait: 30m
//	fields:
//	  title: {type: keyword}
//	  category: {type: keyword, default: general}
//	  price: {type: scaled_float, params: {scaling_factor: 100}}
//	  legacy: {remove: true}
//	cutover:
//	  auto: true
//	  delete_old: true
//	  grace: 10m
//
// Optional analysis section is passed to the engine as index analysis settings on import.
type Descriptor struct {
	Logical  string                       `yaml:"logical"`
	Strategy string                       `yaml:"strategy"`
	Wait     time.Duration                `yaml:"wait"`
	Fields   map[string]types.FieldChange `yaml:"fields"`
	Analysis map[string]interface{}       `yaml:"analysis"`
	Cutover  CutoverDescriptor            `yaml:"cutover"`
}

// CutoverDescriptor defines cutover after migration completed
type CutoverDescriptor struct {
	Auto      bool          `yaml:"auto"`
	DeleteOld bool          `yaml:"delete_old"`
	Grace     time.Duration `yaml:"grace"`
}

// LoadDescriptor reads yaml file, applies defaults and validates it
func LoadDescriptor(fileName string) (Descriptor, error) {
	data, err := os.ReadFile(fileName) // nolint
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "can't read %s", fileName)
	}
	res := Descriptor{}
	if err = yaml.Unmarshal(data, &res); err != nil {
		return Descriptor{}, errors.Wrapf(err, "can't parse %s", fileName)
	}
	res.ApplyDefaults()
	if err = res.Validate(); err != nil {
		return Descriptor{}, errors.Wrapf(err, "invalid descriptor %s", fileName)
	}
	return res, nil
}

// ApplyDefaults fills gaps
func (d *Descriptor) ApplyDefaults() {
	d.Logical = strings.TrimSpace(d.Logical)
	if d.Strategy == "auto" {
		d.Strategy = ""
	}
	if d.Cutover.Auto && d.Wait == 0 {
		d.Wait = time.Hour
	}
}

// Validate checks descriptor is complete
func (d *Descriptor) Validate() error {
	if d.Logical == "" {
		return errors.New("logical name is not set")
	}
	if len(d.Fields) == 0 {
		return errors.New("no fields")
	}
	if _, err := types.ParseStrategy(d.Strategy); err != nil {
		return err
	}
	for name, f := range d.Fields {
		if !f.Remove && f.Type == "" {
			return errors.Errorf("field %q has no type", name)
		}
	}
	if d.Wait < 0 || d.Cutover.Grace < 0 {
		return errors.New("negative duration")
	}
	if _, err := d.AnalysisJSON(); err != nil {
		return err
	}
	return nil
}

// AnalysisJSON returns analysis section as engine settings, nil if not defined
func (d *Descriptor) AnalysisJSON() (json.RawMessage, error) {
	if len(d.Analysis) == 0 {
		return nil, nil
	}
	res, err := json.Marshal(d.Analysis)
	return res, errors.Wrap(err, "invalid analysis section")
}

// Mapping returns fields of the descriptor as a complete mapping, removed fields are skipped
func (d *Descriptor) Mapping() types.Mapping {
	res := types.Mapping{}
	for name, f := range d.Fields {
		if !f.Remove {
			res[name] = f.FieldSpec
		}
	}
	return res
}
