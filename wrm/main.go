package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/wrm/wrm/cli"
	"github.com/go-appsec/wrm/wrm/config"
	"github.com/go-appsec/wrm/wrm/service"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printRootUsage()
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(args[1:])
	case "init":
		err = runInit(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("wrm version %s\n", config.Version)
		return 0
	case "help", "--help", "-h":
		printRootUsage()
		return 0
	default:
		validCommands := []string{"serve", "init", "version", "help"}
		err = cli.UnknownCommandError(args[0], validCommands)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runServe(args []string) error {
	flags, err := service.ParseServeFlags(args)
	if err != nil {
		return err
	}
	cfg, err := flags.LoadConfig()
	if err != nil {
		return err
	}

	srv, err := service.NewServer(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	if err := srv.Run(context.Background()); err != nil {
		return err
	}
	if flags.Summary > 0 {
		service.PrintSummary(os.Stdout, srv.History().Recent(flags.Summary))
	}
	return nil
}

func runInit(args []string) error {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "wrm.yaml", "config file to create")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return cli.SuggestFlag(err, fs)
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *path)
	}
	if err := config.DefaultConfig().Save(*path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("wrote default config to %s\n", *path)
	return nil
}

func printRootUsage() {
	fmt.Fprint(os.Stderr, `Usage: wrm <command> [options]

Commands:
  serve      Run the front end (HTTP/1.1, HTTP/2, TLS, CONNECT tunnels)
  init       Write a default config file
  version    Print the version

Use "wrm <command> --help" for specific command usage.
`)
}
