package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]operation `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type operation struct {
	Summary   string               `yaml:"summary"`
	Responses map[string]yaml.Node `yaml:"responses"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

// routePattern matches ServeMux registrations such as
// s.mux.Handle("POST /api/users/add-contact", ...).
var routePattern = regexp.MustCompile(`mux\.Handle(?:Func)?\("([A-Z]+) (/[^"]*)"`)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml> <server.go>\n", os.Args[0])
		os.Exit(2)
	}

	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	source, err := os.ReadFile(os.Args[2])
	if err != nil {
		exitErr(fmt.Errorf("read %s: %w", os.Args[2], err))
	}

	errSchema, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		exitErr(err)
	}
	if err := validateErrorResponse(errSchema); err != nil {
		exitErr(err)
	}

	registered := routesFromSource(string(source))
	if len(registered) == 0 {
		exitErr(errors.New("no routes found in server source"))
	}
	documented := documentedRoutes(doc)
	if missing := difference(registered, documented); len(missing) > 0 {
		exitErr(fmt.Errorf("routes missing from openapi: %s", strings.Join(missing, ", ")))
	}
	if stale := difference(documented, registered); len(stale) > 0 {
		exitErr(fmt.Errorf("openapi documents unknown routes: %s", strings.Join(stale, ", ")))
	}
	for path, ops := range doc.Paths {
		for method, op := range ops {
			if _, ok := op.Responses["default"]; !ok {
				exitErr(fmt.Errorf("%s %s has no default error response", strings.ToUpper(method), path))
			}
		}
	}

	fmt.Printf("OpenAPI check passed (%d routes).\n", len(registered))
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
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
	if !makeSet(s.Required)["msg"] {
		return errors.New(`ErrorResponse.required must include "msg"`)
	}
	if prop, ok := s.Properties["msg"]; !ok || prop.Type != "string" {
		return errors.New("ErrorResponse.msg must be string")
	}
	return nil
}

func routesFromSource(src string) []string {
	var out []string
	for _, m := range routePattern.FindAllStringSubmatch(src, -1) {
		out = append(out, m[1]+" "+m[2])
	}
	sort.Strings(out)
	return out
}

func documentedRoutes(doc openAPIDoc) []string {
	var out []string
	for path, ops := range doc.Paths {
		for method := range ops {
			out = append(out, strings.ToUpper(method)+" "+path)
		}
	}
	sort.Strings(out)
	return out
}

func difference(left, right []string) []string {
	have := makeSet(right)
	var out []string
	for _, item := range left {
		if !have[item] {
			out = append(out, item)
		}
	}
	return out
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
