package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pkg/profile"

	"github.com/stivi-daq/pidcal"
)

var (
	configPath = flag.String("config", "config.yml", "YAML run configuration")
	input      = flag.String("input", "", "override the configured event file")
	output     = flag.String("output", "", "override the configured archive path")
	qaDir      = flag.String("qadir", "", "override the configured QA plot directory")
	verbose    = flag.Bool("verbose", false, "enable debug logging")
	doProfile  = flag.Bool("profile", false, "enable CPU profiling")
	charges    pidcal.IntArrayFlags
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: `+os.Args[0]+` [options]

options:
`,
	)
	flag.PrintDefaults()
}

func main() {
	flag.Var(&charges, "z", "ion charge to fit, repeatable (overrides config)")
	flag.Usage = printUsage
	flag.Parse()
	if flag.NArg() != 0 {
		printUsage()
		log.Fatal("Invalid arguments")
	}

	if *doProfile {
		defer profile.Start().Stop()
	}
	if *verbose {
		pidcal.SetVerbose()
	}

	cfg := pidcal.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil || *configPath != "config.yml" {
		cfg, err = pidcal.LoadConfig(*configPath)
		if err != nil {
			log.Fatal(err)
		}
	}
	if *input != "" {
		cfg.Input.Path = *input
	}
	if *output != "" {
		cfg.OutputPath = *output
	}
	if *qaDir != "" {
		cfg.QADir = *qaDir
	}
	if len(charges.Array) > 0 {
		cfg.Charges = charges.Array
	}

	sum, err := pidcal.Run(cfg)
	fmt.Println(sum)
	if err != nil {
		log.Fatal(err)
	}
}
