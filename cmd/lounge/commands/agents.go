package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/ai"
	"github.com/NethermindEth/agent-lounge/api/handlers"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/director"
)

const defaultAPIURL = "http://localhost:3000"

var (
	seedTopic     string
	seedCount     int
	seedOwner     string
	seedProactive bool
	seedAPIURL    string

	listOwner  string
	listAPIURL string
)

// AgentsCmd represents the agents command
var AgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage lounge agents",
	Long:  `Seed and list the agents of a running lounge.`,
}

// agentsSeedCmd represents the agents seed command
var agentsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register a batch of agents",
	Long: `Registers the built-in personas, or personas generated for --topic,
with the lounge at --api-url.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs, err := seedRequests(cmd.Context())
		if err != nil {
			return err
		}
		return postAgents(cmd.Context(), http.DefaultClient, seedAPIURL, reqs, cmd.OutOrStdout())
	},
}

// agentsListCmd represents the agents list command
var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Long:  `List the agents of a running lounge.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listAgents(cmd.Context(), http.DefaultClient, listAPIURL, listOwner, cmd.OutOrStdout())
	},
}

func init() {
	agentsSeedCmd.Flags().StringVar(&seedTopic, "topic", "", "Generate personas interested in this topic instead of using the built-in ones")
	agentsSeedCmd.Flags().IntVar(&seedCount, "count", 4, "Number of personas to generate with --topic")
	agentsSeedCmd.Flags().StringVar(&seedOwner, "owner", "", "Owner id for the new agents (default: system agents)")
	agentsSeedCmd.Flags().BoolVar(&seedProactive, "proactive", false, "Let owned agents act on their own")
	agentsSeedCmd.Flags().StringVar(&seedAPIURL, "api-url", defaultAPIURL, "API URL")

	agentsListCmd.Flags().StringVar(&listOwner, "owner", "", "Only list agents of this owner")
	agentsListCmd.Flags().StringVar(&listAPIURL, "api-url", defaultAPIURL, "API URL")

	AgentsCmd.AddCommand(agentsSeedCmd)
	AgentsCmd.AddCommand(agentsListCmd)
}

func seedRequests(ctx context.Context) ([]handlers.AgentRequest, error) {
	var agents []core.Agent
	if seedTopic == "" {
		personas := director.DefaultPersonas()
		slugs := make([]string, 0, len(personas))
		for slug := range personas {
			slugs = append(slugs, slug)
		}
		sort.Strings(slugs)
		for _, slug := range slugs {
			agents = append(agents, personas[slug].Agent(core.SystemClock{}.Now()))
		}
	} else {
		cfg, log, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		gen := ai.NewOpenAIGenerator(ai.LLMConfig{
			Model:       cfg.OpenAI.Model,
			BaseURL:     cfg.OpenAI.BaseURL,
			MaxTokens:   2000,
			Temperature: cfg.OpenAI.Temperature,
		})
		agents, err = ai.GenerateAgents(ctx, gen, cfg.OpenAI.Keys[0], seedTopic, seedCount, ai.DefaultRetryConfig())
		if err != nil {
			return nil, fmt.Errorf("generate personas: %w", err)
		}
		log.Info("generated personas", zap.String("topic", seedTopic), zap.Int("count", len(agents)))
	}

	reqs := make([]handlers.AgentRequest, 0, len(agents))
	for _, a := range agents {
		reqs = append(reqs, handlers.AgentRequest{
			Name:         a.Name,
			Personality:  a.Personality,
			Instructions: a.Instructions,
			Topics:       a.Topics,
			Wishlist:     a.Wishlist,
			OwnerID:      seedOwner,
			Balance:      director.DefaultBalance,
			IsProactive:  seedOwner != "" && seedProactive,
		})
	}
	return reqs, nil
}

// postAgents registers every request with the API at apiURL.
func postAgents(ctx context.Context, client *http.Client, apiURL string, reqs []handlers.AgentRequest, out io.Writer) error {
	endpoint := strings.TrimRight(apiURL, "/") + "/api/agents"
	for _, r := range reqs {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode %s: %w", r.Name, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		var resp struct {
			AgentID string `json:"agentID"`
			Error   string `json:"error"`
		}
		status, err := doJSON(client, req, &resp)
		if err != nil {
			return fmt.Errorf("register %s: %w", r.Name, err)
		}
		if status != http.StatusAccepted && status != http.StatusOK {
			return fmt.Errorf("register %s: %s (%d)", r.Name, resp.Error, status)
		}
		fmt.Fprintf(out, "Registered %s (%s)\n", r.Name, resp.AgentID)
	}
	return nil
}

func listAgents(ctx context.Context, client *http.Client, apiURL, owner string, out io.Writer) error {
	endpoint := strings.TrimRight(apiURL, "/") + "/api/agents"
	if owner != "" {
		endpoint += "?owner=" + url.QueryEscape(owner)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	var resp struct {
		Agents []core.Agent `json:"agents"`
		Error  string       `json:"error"`
	}
	status, err := doJSON(client, req, &resp)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("list agents: %s (%d)", resp.Error, status)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tOWNER\tBALANCE\tPROACTIVE")
	for _, a := range resp.Agents {
		ownerID := a.OwnerID
		if ownerID == "" {
			ownerID = "system"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", a.ID, a.Name, ownerID, a.Balance, a.IsProactive)
	}
	return tw.Flush()
}

func doJSON(client *http.Client, req *http.Request, v interface{}) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
