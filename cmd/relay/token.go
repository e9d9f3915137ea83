package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inflo-ai/relay/internal/transport"
	"github.com/inflo-ai/relay/internal/types"
)

var (
	tokenAgent  string
	tokenScopes []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an agent access token",
	Long: `Issue a signed access token for an agent.

The token is signed with the jwt_secret from the config file and carries
the agent identity and the requested scopes. Agents present it as a
Bearer token on every RPC and event-stream connection.

Scopes gate RPC methods:
  read     - memory reads, conversation events, system health
  write    - memory writes, agent registration and status
  execute  - handoffs, escalations, conversation lifecycle
  search   - memory queries and episodic similarity search

EXAMPLES:

  # Full-access token for a triage agent
  $ relay token --agent triage-1 --scopes read,write,execute,search

  # Read-only token for a dashboard
  $ relay token --agent dashboard --scopes read`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAgent, "agent", "", "Agent identity the token asserts (required)")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scopes", []string{"read", "write", "execute", "search"},
		"Comma-separated scopes to grant")
	tokenCmd.MarkFlagRequired("agent")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Auth.Enabled {
		return fmt.Errorf("authentication is disabled in the config; enable auth and set jwt_secret first")
	}

	scopes, err := parseScopes(tokenScopes)
	if err != nil {
		return err
	}

	auth := transport.NewAuthenticator(cfg.Auth)
	token, err := auth.IssueToken(tokenAgent, scopes)
	if err != nil {
		return err
	}

	cmd.Println(token)
	return nil
}

func parseScopes(raw []string) ([]types.Scope, error) {
	scopes := make([]types.Scope, 0, len(raw))
	for _, s := range raw {
		switch scope := types.Scope(strings.ToLower(strings.TrimSpace(s))); scope {
		case types.ScopeRead, types.ScopeWrite, types.ScopeExecute, types.ScopeSearch:
			scopes = append(scopes, scope)
		default:
			return nil, fmt.Errorf("unknown scope %q (valid: read, write, execute, search)", s)
		}
	}
	return scopes, nil
}
