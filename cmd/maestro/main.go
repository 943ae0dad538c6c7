// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command maestro is the CLI for the maestro agent runtime.
//
// Usage:
//
//	maestro chat --config config.yaml
//	maestro validate --config config.yaml
//	maestro schema
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/maestro-adk/maestro/pkg/agent"
	"github.com/maestro-adk/maestro/pkg/config"
	"github.com/maestro-adk/maestro/pkg/logger"
	"github.com/maestro-adk/maestro/pkg/runtime"
	"github.com/maestro-adk/maestro/pkg/tool"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Chat     ChatCmd     `cmd:"" help:"Start an interactive chat session."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for the config file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (compact or text)." default:"compact"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("maestro version %s\n", version)
	return nil
}

// ChatCmd runs a line-oriented chat loop against the configured model.
type ChatCmd struct {
	User   string `help:"User identifier." default:"local"`
	Role   string `help:"Caller role (user or admin)." default:"user" enum:"user,admin"`
	Stream bool   `help:"Stream replies as they are generated." default:"true" negatable:""`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	rt, err := runtime.New(ctx, cfg, runtime.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	conversationID := uuid.NewString()
	fmt.Println("maestro chat (ctrl-d to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		req := agent.Request{
			UserID:         c.User,
			Role:           tool.Role(c.Role),
			ConversationID: conversationID,
			Message:        line,
			Kind:           agent.KindChat,
		}

		if c.Stream {
			for chunk, err := range rt.HandleStream(ctx, req) {
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					break
				}
				fmt.Print(chunk)
			}
			fmt.Println()
			continue
		}

		reply, err := rt.Handle(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(reply.Text)
	}
}

// ValidateCmd checks a configuration file and prints the effective
// settings summary.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cli.Config)
	fmt.Printf("  llm: %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	fmt.Printf("  embedding: %s (%s)\n", cfg.Embedding.Provider, cfg.Embedding.Model)
	fmt.Printf("  vector: %s\n", cfg.Vector.Provider)
	fmt.Printf("  store: %s\n", cfg.Store.Backend)
	fmt.Printf("  workers: %d, queue depth: %d\n", cfg.Tasks.Workers, cfg.Tasks.QueueDepth)
	return nil
}

// SchemaCmd prints the config file JSON Schema.
type SchemaCmd struct{}

func (c *SchemaCmd) Run() error {
	reflector := jsonschema.Reflector{FieldNameTag: "yaml", ExpandedStruct: true}
	schema := reflector.Reflect(&config.Config{})
	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("maestro"),
		kong.Description("maestro - an LLM agent runtime with tools, retrieval and self-repairing background tasks"),
		kong.UsageOnError(),
	)

	var logOutput *os.File
	var cleanup func()
	if cli.LogFile != "" {
		f, c, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		logOutput, cleanup = f, c
		defer cleanup()
	} else {
		logOutput = os.Stderr
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), logOutput, cli.LogFormat)

	ctx.FatalIfErrorf(ctx.Run(&cli))
}
