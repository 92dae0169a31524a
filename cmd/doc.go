// Package cmd implements the command-line interface for mailtriage.
//
// This package provides the following commands:
//   - process: Run the triage pipeline over an account's inbox
//   - auth: Obtain a Google OAuth refresh token for an account
//   - search: Search the local record archive
//   - stats: Show aggregate statistics for an account
//   - serve: Start the MCP server exposing read-only triage tools
//   - version: Display version information
//
// The process command is the default command when no subcommand is specified.
package cmd
