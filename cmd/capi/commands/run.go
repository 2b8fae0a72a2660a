package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tiagoflino/capi/internal/config"
	"github.com/tiagoflino/capi/internal/engine"
)

func newRunCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run MODEL [PROMPT]",
		Short: "Run a model in-process and chat with it without starting the HTTP API",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], strings.Join(args[1:], " "))
		},
	}
	return c
}

func runRun(cmd *cobra.Command, model, prompt string) error {
	ctx := cmd.Context()

	if err := initRuntime(ctx); err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}

	cfg := cfgStore.Get()

	if prompt != "" {
		return runOnePrompt(cmd, model, cfg.DevicePreference, prompt)
	}

	cmd.Println("Interactive chat mode started. Type /bye to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		line, err := readMultilineInput(cmd, scanner)
		if err != nil {
			cmd.Println()
			return nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(line), "/bye") {
			return nil
		}
		if err := runOnePrompt(cmd, model, cfg.DevicePreference, line); err != nil {
			cmd.PrintErrln(err)
		}
		cmd.Println()
	}
}

func runOnePrompt(cmd *cobra.Command, model string, pref config.DevicePreference, prompt string) error {
	ctx := cmd.Context()

	params := engine.Params{MaxNewTokens: 512, Temperature: 1.0, TopP: 1.0, RepetitionPenalty: 1.0}
	job := engine.NewJob(uuid.NewString(), "", prompt, params, 64)
	if err := manager.Generate(ctx, model, pref, job); err != nil {
		return fmt.Errorf("generating with %s: %w", model, err)
	}

	for tok := range job.Tokens {
		cmd.Print(string(tok))
	}

	result := <-job.Done
	return result.Err
}

// readMultilineInput reads a line from stdin, treating a """-delimited
// block as one logical input (grounded on the teacher's run command).
func readMultilineInput(cmd *cobra.Command, scanner *bufio.Scanner) (string, error) {
	cmd.Print("> ")
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", context.Canceled
	}

	line := scanner.Text()
	if !strings.HasPrefix(line, `"""`) {
		return line, nil
	}

	rest := strings.TrimPrefix(line, `"""`)
	if strings.HasSuffix(rest, `"""`) && len(rest) >= 3 {
		return strings.TrimSuffix(rest, `"""`), nil
	}

	var sb strings.Builder
	sb.WriteString(rest)
	for {
		cmd.Print(". ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("unclosed multiline input (EOF)")
		}
		line = scanner.Text()
		if strings.HasSuffix(line, `"""`) {
			sb.WriteString("\n")
			sb.WriteString(strings.TrimSuffix(line, `"""`))
			break
		}
		sb.WriteString("\n")
		sb.WriteString(line)
	}
	return sb.String(), nil
}
