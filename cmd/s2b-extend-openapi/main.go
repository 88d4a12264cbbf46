// Package main prints the OpenAPI document of the s2b-extend server.
// Routes are built with inert dependencies; nothing is served or opened.
//
// Usage:
//
//	go run ./cmd/s2b-extend-openapi > openapi.json
//	go run ./cmd/s2b-extend-openapi -yaml -output openapi.yaml
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gujaehyung/s2b-extend/internal/config"
	"github.com/gujaehyung/s2b-extend/internal/http/mw"
	"github.com/gujaehyung/s2b-extend/internal/http/routes"
	"github.com/gujaehyung/s2b-extend/internal/repository"
	"github.com/gujaehyung/s2b-extend/internal/version"
)

func main() {
	outputFile := flag.String("output", "", "Output file path (default: stdout)")
	outputYAML := flag.Bool("yaml", false, "Output as YAML instead of JSON")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, api := routes.Build(routes.Deps{
		Config: &config.Config{},
		Auth:   mw.NewAuthenticator(mw.AuthConfig{Logger: logger}),
		Repos:  &repository.Repositories{},
		Logger: logger,
	})
	doc := api.OpenAPI()

	var data []byte
	var err error
	if *outputYAML {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error marshaling OpenAPI document: %v\n", err)
		os.Exit(1)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "error writing to file: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "OpenAPI document written to %s\n", *outputFile)
		return
	}
	fmt.Print(string(data))
}
