package protocol

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compiled() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas = map[string]*jsonschema.Schema{}
		for typ, name := range map[string]string{
			TypeHello: "hello.schema.json",
			TypeObs:   "obs.schema.json",
			TypePlan:  "plan.schema.json",
		} {
			raw, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = err
				return
			}
			s, err := jsonschema.CompileString(name, string(raw))
			if err != nil {
				schemasErr = fmt.Errorf("compile %s: %w", name, err)
				return
			}
			schemas[typ] = s
		}
	})
	return schemas, schemasErr
}

// Validate checks raw against the schema of message type typ.
func Validate(typ string, raw []byte) error {
	all, err := compiled()
	if err != nil {
		return err
	}
	s, ok := all[typ]
	if !ok {
		return fmt.Errorf("no schema for %q", typ)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}

func ValidateObs(raw []byte) error   { return Validate(TypeObs, raw) }
func ValidateHello(raw []byte) error { return Validate(TypeHello, raw) }
