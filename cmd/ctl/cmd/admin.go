package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctfarena/ctfarena/pkg/client"
	"github.com/ctfarena/ctfarena/pkg/types"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator commands",
	Long:  `Administer arena containers and matches. Requires the operator API key.`,
}

var adminContainersCmd = &cobra.Command{
	Use:     "containers",
	Aliases: []string{"ls"},
	Short:   "List all arena containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewAdminClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		containers, err := c.ListAllContainers(ctx)
		if err != nil {
			return fmt.Errorf("failed to list containers: %w", err)
		}

		if len(containers) == 0 {
			fmt.Println("No arena containers")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tUSER\tMATCH\tCREATED")
		for _, ci := range containers {
			match := ""
			if ci.MatchID != 0 {
				match = strconv.FormatInt(ci.MatchID, 10)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				ci.ID, ci.Name, ci.Status, ci.UserID, match,
				ci.CreatedAt.Format("15:04:05"))
		}
		w.Flush()

		return nil
	},
}

var adminStopCmd = &cobra.Command{
	Use:     "stop <container-id>",
	Aliases: []string{"rm"},
	Short:   "Force-stop a container",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewAdminClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.StopContainer(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to stop container: %w", err)
		}

		fmt.Printf("✓ Container %s stopped\n", args[0])
		return nil
	},
}

var adminOverrideCmd = &cobra.Command{
	Use:   "override <match-id> <status>",
	Short: "Force a match outcome",
	Long: `Force-set a match status. Valid statuses: player1_victory,
player2_victory, draw, cancelled.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		matchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid match id: %s", args[0])
		}

		upd := types.MatchStatusUpdate{Status: types.MatchStatus(args[1])}
		if winnerID, _ := cmd.Flags().GetInt64("winner"); winnerID != 0 {
			upd.WinnerID = &winnerID
		}
		if score, _ := cmd.Flags().GetInt("score"); score != 0 {
			upd.ScoreChange = &score
		}

		c := client.NewAdminClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := c.OverrideMatch(ctx, matchID, upd)
		if err != nil {
			return fmt.Errorf("failed to override match: %w", err)
		}

		fmt.Printf("✓ Match %d set to %s\n", m.ID, m.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adminCmd)

	adminCmd.AddCommand(adminContainersCmd)
	adminCmd.AddCommand(adminStopCmd)
	adminCmd.AddCommand(adminOverrideCmd)

	adminOverrideCmd.Flags().Int64("winner", 0, "Winner user ID (victory statuses)")
	adminOverrideCmd.Flags().Int("score", 0, "Rating change (0 for the default)")
}
