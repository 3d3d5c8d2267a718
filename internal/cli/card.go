package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/runtime"
)

var cardYAML bool

var cardCmd = &cobra.Command{
	Use:   "card",
	Short: "Print the agent card this configuration would publish",
	Long:  "Start the configured tool servers, collect their capabilities, print the agent card and stop them again.",
	Args:  cobra.NoArgs,
	RunE:  runCard,
}

func init() {
	cardCmd.Flags().BoolVar(&cardYAML, "yaml", false, "print YAML instead of JSON")
}

func runCard(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	card, err := runtime.Describe(cmd.Context(), cfg, runtime.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("describing agent: %w", err)
	}
	out, err := encodeCard(card, cardYAML)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// encodeCard renders the card as indented JSON, or as YAML with the same
// field names and order.
func encodeCard(card a2a.AgentCard, asYAML bool) ([]byte, error) {
	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding card: %w", err)
	}
	if !asYAML {
		return append(data, '\n'), nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("converting card to yaml: %w", err)
	}
	blockStyle(&doc)
	return yaml.Marshal(&doc)
}

// blockStyle clears the flow and quoting styles the JSON source leaves on
// every node.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
