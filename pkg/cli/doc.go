// Package cli provides shared utilities for the voxchat command-line
// tool.
//
// This package includes:
//   - Configuration management (named backend contexts, kubectl style)
//   - Output formatting (YAML, JSON, raw) with optional jq filtering
//   - Document loading (YAML/JSON files and stdin)
//   - Terminal styling for the chat transcript
//
// Configuration is stored at ~/.voxchat/config.yaml; conversation
// history lives under ~/.voxchat/history.
//
// Example usage:
//
//	cfg, err := cli.LoadConfig()
//
//	ctx, err := cfg.GetCurrentContext()
//
//	cli.Output(result, cli.OutputOptions{
//	    Format: cli.FormatJSON,
//	    Filter: ".[] | .content",
//	})
package cli
