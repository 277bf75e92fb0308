package fhir

import "time"

// Parameters is the FHIR resource returned by the custom operations.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter"`
}

// Parameter is one named value; exactly one value field is set, or Part.
type Parameter struct {
	Name         string      `json:"name"`
	ValueString  *string     `json:"valueString,omitempty"`
	ValueBoolean *bool       `json:"valueBoolean,omitempty"`
	ValueInteger *int64      `json:"valueInteger,omitempty"`
	ValueDecimal *float64    `json:"valueDecimal,omitempty"`
	ValueInstant *string     `json:"valueInstant,omitempty"`
	Part         []Parameter `json:"part,omitempty"`
}

func NewParameters() *Parameters {
	return &Parameters{ResourceType: "Parameters", Parameter: []Parameter{}}
}

func StringParam(name, v string) Parameter { return Parameter{Name: name, ValueString: &v} }

func BoolParam(name string, v bool) Parameter { return Parameter{Name: name, ValueBoolean: &v} }

func IntParam(name string, v int64) Parameter { return Parameter{Name: name, ValueInteger: &v} }

func DecimalParam(name string, v float64) Parameter { return Parameter{Name: name, ValueDecimal: &v} }

func InstantParam(name string, t time.Time) Parameter {
	s := t.UTC().Format(time.RFC3339Nano)
	return Parameter{Name: name, ValueInstant: &s}
}

func PartParam(name string, parts ...Parameter) Parameter { return Parameter{Name: name, Part: parts} }

// Add appends parameters and returns p for chaining.
func (p *Parameters) Add(params ...Parameter) *Parameters {
	p.Parameter = append(p.Parameter, params...)
	return p
}

// AddString appends a string parameter unless v is empty.
func (p *Parameters) AddString(name, v string) *Parameters {
	if v != "" {
		p.Parameter = append(p.Parameter, StringParam(name, v))
	}
	return p
}

// Get returns the first parameter with the given name.
func (p *Parameters) Get(name string) (Parameter, bool) {
	for _, param := range p.Parameter {
		if param.Name == name {
			return param, true
		}
	}
	return Parameter{}, false
}
