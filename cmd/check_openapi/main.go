package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"bookreview/api"
	"bookreview/pkg/domain"
)

type openAPIDoc struct {
	Paths      map[string]map[string]any `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

// wireTypes pairs each documented schema with the Go type encoded on the wire.
var wireTypes = map[string]any{
	"Book":         domain.Book{},
	"Review":       domain.Review{},
	"BookCreate":   domain.BookCreate{},
	"ReviewCreate": domain.ReviewCreate{},
}

var requiredPaths = []string{"/", "/health", "/books/", "/books/test", "/reviews/", "/reviews/test", "/reviews/{book_id}"}

func main() {
	if len(os.Args) > 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [openapi.yaml]\n", os.Args[0])
		os.Exit(2)
	}

	raw := api.OpenAPI
	source := "embedded api/openapi.yaml"
	if len(os.Args) == 2 {
		source = os.Args[1]
		data, err := os.ReadFile(source)
		if err != nil {
			exitErr(fmt.Errorf("read %s: %w", source, err))
		}
		raw = data
	}

	if err := checkDocument(raw); err != nil {
		exitErr(fmt.Errorf("%s: %w", source, err))
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func checkDocument(raw []byte) error {
	var doc openAPIDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	for _, p := range requiredPaths {
		if _, ok := doc.Paths[p]; !ok {
			return fmt.Errorf("path %q missing", p)
		}
	}

	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	detail, err := getSchema(doc, "ErrorDetail")
	if err != nil {
		return err
	}
	if err := validateStringObject("ErrorDetail", detail, "field", "message"); err != nil {
		return err
	}
	health, err := getSchema(doc, "HealthReport")
	if err != nil {
		return err
	}
	if err := validateStringObject("HealthReport", health, "status", "database", "redis"); err != nil {
		return err
	}
	if errs, ok := health.Properties["errors"]; !ok || errs.Type != "array" {
		return errors.New("HealthReport.errors must be array")
	}

	names := make([]string, 0, len(wireTypes))
	for name := range wireTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s, err := getSchema(doc, name)
		if err != nil {
			return err
		}
		if err := matchWireType(name, s, reflect.TypeOf(wireTypes[name])); err != nil {
			return err
		}
	}
	return nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	detailsProp, ok := s.Properties["details"]
	if !ok || detailsProp.Type != "array" {
		return errors.New("ErrorResponse.details must be array")
	}
	if detailsProp.Items == nil || strings.TrimSpace(detailsProp.Items.Ref) != "#/components/schemas/ErrorDetail" {
		return errors.New("ErrorResponse.details.items must reference ErrorDetail")
	}
	return nil
}

func validateStringObject(name string, s schema, fields ...string) error {
	if s.Type != "object" {
		return fmt.Errorf("%s must be object", name)
	}
	required := makeSet(s.Required)
	for _, field := range fields {
		if !required[field] {
			return fmt.Errorf("%s.required must include %q", name, field)
		}
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("%s.%s must be string", name, field)
		}
	}
	return nil
}

// matchWireType checks that the schema documents exactly the JSON fields of t
// with a compatible type, and that every field is required.
func matchWireType(name string, s schema, t reflect.Type) error {
	if s.Type != "object" {
		return fmt.Errorf("%s must be object", name)
	}
	required := makeSet(s.Required)
	fields := jsonFields(t)
	if len(fields) != len(s.Properties) {
		return fmt.Errorf("%s property count mismatch: schema has %d, type has %d", name, len(s.Properties), len(fields))
	}
	for field, kind := range fields {
		prop, ok := s.Properties[field]
		if !ok {
			return fmt.Errorf("%s missing property %q", name, field)
		}
		if want := schemaType(kind); want != "" && prop.Type != want {
			return fmt.Errorf("%s.%s type mismatch: schema %q, type %q", name, field, prop.Type, want)
		}
		if !required[field] {
			return fmt.Errorf("%s.required must include %q", name, field)
		}
	}
	return nil
}

func jsonFields(t reflect.Type) map[string]reflect.Kind {
	out := make(map[string]reflect.Kind, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			continue
		}
		ft := f.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		out[name] = ft.Kind()
	}
	return out
}

func schemaType(kind reflect.Kind) string {
	switch kind {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Slice:
		return "array"
	case reflect.Bool:
		return "boolean"
	case reflect.Struct, reflect.Map:
		return "object"
	default:
		return ""
	}
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
