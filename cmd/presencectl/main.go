// Command presencectl is a cobra CLI that talks to a running presenced
// node's admin HTTP surface: one cobra.Command per subcommand, plain
// fmt.Printf output.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "presencectl",
	Short: "Inspect a running presence tracker node",
}

var listCmd = &cobra.Command{
	Use:   "list [topic]",
	Short: "List the presences currently visible on a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(fmt.Sprintf("%s/topics/%s", addr, args[0]))
	},
}

var replicasCmd = &cobra.Command{
	Use:   "replicas",
	Short: "List every replica the node currently knows about",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(fmt.Sprintf("%s/replicas", addr))
	},
}

func getAndPrint(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("presencectl: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("presencectl: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("presencectl: %s returned %s: %s", url, resp.Status, body)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "presenced admin HTTP address")
	rootCmd.AddCommand(listCmd, replicasCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
