package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-listen/internal/bundle"
)

var version = "0.1.0-dev"

func main() {
	var (
		dir      string
		required string
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&dir, "dir", "vosk_model", "Path to resource bundle directory")
	validateCmd.StringVar(&required, "require", strings.Join(bundle.DefaultRequiredFiles, ","), "Comma-separated files the bundle must contain")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		b, err := runValidate(dir, required)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if b.Manifest != nil {
			fmt.Printf("bundle %s %s valid (%d files checked)\n", b.Manifest.Name, b.Manifest.Version, len(b.Required))
			return
		}
		fmt.Printf("bundle valid (%d files checked)\n", len(b.Required))
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(dir, required string) (bundle.Bundle, error) {
	var files []string
	for _, f := range strings.Split(required, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return bundle.Open(dir, files)
}
