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

var duelCmd = &cobra.Command{
	Use:   "duel",
	Short: "Matchmaking and duels",
	Long:  `Join the matchmaking queue, challenge players, and manage duel matches.`,
}

var queueJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join the matchmaking queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		difficulty, _ := cmd.Flags().GetString("difficulty")
		challengeType, _ := cmd.Flags().GetString("type")

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := c.JoinQueue(ctx, types.QueuePrefs{
			PreferredDifficulty:    difficulty,
			PreferredChallengeType: challengeType,
		})
		if err != nil {
			return fmt.Errorf("failed to join queue: %w", err)
		}

		fmt.Println("✓ Joined the duel queue")
		fmt.Println("  Check pairing with: arenactl duel status")
		return nil
	},
}

var queueLeaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Leave the matchmaking queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.LeaveQueue(ctx); err != nil {
			return fmt.Errorf("failed to leave queue: %w", err)
		}

		fmt.Println("✓ Left the duel queue")
		return nil
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and match status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		status, err := c.QueueStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to get queue status: %w", err)
		}

		if status.InQueue {
			fmt.Println("In queue, waiting for an opponent")
		}
		if status.ActiveMatch != nil {
			m := status.ActiveMatch
			fmt.Printf("Active match: %d (%s)\n", m.ID, m.Status)
			fmt.Printf("  Players: %d vs %d\n", m.Player1ID, m.Player2ID)
			fmt.Printf("\nGet a terminal with:\n  arenactl duel session %d\n", m.ID)
		}
		if !status.InQueue && status.ActiveMatch == nil {
			fmt.Println("Not queued, no active match")
		}
		return nil
	},
}

var challengeCmd = &cobra.Command{
	Use:   "challenge <user-id>",
	Short: "Challenge a player directly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		challengedID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id: %s", args[0])
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ch, err := c.CreateChallenge(ctx, challengedID)
		if err != nil {
			return fmt.Errorf("failed to create challenge: %w", err)
		}

		fmt.Printf("✓ Challenge %d sent to player %d\n", ch.ID, ch.ChallengedID)
		fmt.Printf("  Expires: %s\n", ch.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var challengesCmd = &cobra.Command{
	Use:   "challenges",
	Short: "List challenges pending against you",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		challenges, err := c.ListChallenges(ctx)
		if err != nil {
			return fmt.Errorf("failed to list challenges: %w", err)
		}

		if len(challenges) == 0 {
			fmt.Println("No pending challenges")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFROM\tEXPIRES")
		for _, ch := range challenges {
			fmt.Fprintf(w, "%d\t%d\t%s\n",
				ch.ID, ch.ChallengerID, ch.ExpiresAt.Format(time.RFC3339))
		}
		w.Flush()

		return nil
	},
}

var respondCmd = &cobra.Command{
	Use:   "respond <challenge-id>",
	Short: "Accept or decline a challenge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		challengeID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid challenge id: %s", args[0])
		}
		decline, _ := cmd.Flags().GetBool("decline")

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := c.RespondChallenge(ctx, challengeID, !decline)
		if err != nil {
			return fmt.Errorf("failed to respond to challenge: %w", err)
		}

		if m == nil {
			fmt.Printf("✓ Challenge %d declined\n", challengeID)
			return nil
		}
		fmt.Printf("✓ Challenge accepted, match %d created\n", m.ID)
		fmt.Printf("\nGet a terminal with:\n  arenactl duel session %d\n", m.ID)
		return nil
	},
}

var matchesCmd = &cobra.Command{
	Use:   "matches",
	Short: "List your recent matches",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		matches, err := c.MyMatches(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to list matches: %w", err)
		}

		if len(matches) == 0 {
			fmt.Println("No matches found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPLAYERS\tSTATUS\tSTARTED")
		for _, m := range matches {
			fmt.Fprintf(w, "%d\t%d vs %d\t%s\t%s\n",
				m.ID, m.Player1ID, m.Player2ID, m.Status,
				m.StartedAt.Format("2006-01-02 15:04"))
		}
		w.Flush()

		return nil
	},
}

var duelSessionCmd = &cobra.Command{
	Use:   "session <match-id>",
	Short: "Get terminal credentials for a match",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		matchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid match id: %s", args[0])
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		launch, err := c.MatchSession(ctx, matchID)
		if err != nil {
			return fmt.Errorf("failed to get match session: %w", err)
		}

		fmt.Printf("Session %d for match %d\n", launch.SessionID, matchID)
		if launch.SimulatedMode {
			fmt.Println("  Mode: simulated")
		} else {
			fmt.Printf("  Container: %s\n", launch.ContainerID)
		}
		fmt.Printf("\nConnect with:\n  arenactl terminal %d %s\n", launch.SessionID, launch.Token)
		return nil
	},
}

var winnerCmd = &cobra.Command{
	Use:   "winner <match-id> <winner-user-id>",
	Short: "Report a match winner",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		matchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid match id: %s", args[0])
		}
		winnerID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid winner id: %s", args[1])
		}
		score, _ := cmd.Flags().GetInt("score")

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := c.ReportWinner(ctx, matchID, winnerID, score)
		if err != nil {
			return fmt.Errorf("failed to report winner: %w", err)
		}

		fmt.Printf("✓ Match %d resolved: %s\n", m.ID, m.Status)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <match-id>",
	Short: "Cancel an unresolved match",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		matchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid match id: %s", args[0])
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := c.CancelMatch(ctx, matchID)
		if err != nil {
			return fmt.Errorf("failed to cancel match: %w", err)
		}

		fmt.Printf("✓ Match %d cancelled (no rating change)\n", m.ID)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show your duel record",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := c.MyStats(ctx)
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		fmt.Printf("Rating: %d\n", st.Rating)
		fmt.Printf("Record: %d wins, %d losses\n", st.Wins, st.Losses)
		if st.LastPlayedAt != nil {
			fmt.Printf("Last played: %s\n", st.LastPlayedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Show the duel leaderboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		board, err := c.Leaderboard(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to get leaderboard: %w", err)
		}

		if len(board) == 0 {
			fmt.Println("No rated players yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RANK\tPLAYER\tRATING\tW\tL")
		for i, e := range board {
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n",
				i+1, e.UserID, e.Rating, e.Wins, e.Losses)
		}
		w.Flush()

		return nil
	},
}

var matchLogCmd = &cobra.Command{
	Use:   "log <match-id>",
	Short: "Export a match event log (zstd-compressed JSON lines)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		matchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid match id: %s", args[0])
		}
		outPath, _ := cmd.Flags().GetString("out")
		if outPath == "" {
			outPath = fmt.Sprintf("match-%d.jsonl.zst", matchID)
		}

		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := c.ExportMatchLog(ctx, matchID, f); err != nil {
			os.Remove(outPath)
			return fmt.Errorf("failed to export match log: %w", err)
		}

		fmt.Printf("✓ Match log written to %s\n", outPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(duelCmd)
	rootCmd.AddCommand(leaderboardCmd)

	duelCmd.AddCommand(queueJoinCmd)
	duelCmd.AddCommand(queueLeaveCmd)
	duelCmd.AddCommand(queueStatusCmd)
	duelCmd.AddCommand(challengeCmd)
	duelCmd.AddCommand(challengesCmd)
	duelCmd.AddCommand(respondCmd)
	duelCmd.AddCommand(matchesCmd)
	duelCmd.AddCommand(duelSessionCmd)
	duelCmd.AddCommand(winnerCmd)
	duelCmd.AddCommand(cancelCmd)
	duelCmd.AddCommand(statsCmd)
	duelCmd.AddCommand(matchLogCmd)

	queueJoinCmd.Flags().String("difficulty", "", "Preferred difficulty (empty for any)")
	queueJoinCmd.Flags().String("type", "", "Preferred challenge type (empty for any)")
	respondCmd.Flags().Bool("decline", false, "Decline the challenge")
	matchesCmd.Flags().Int("limit", 20, "Maximum matches to list")
	winnerCmd.Flags().Int("score", 0, "Rating change (0 for the default)")
	leaderboardCmd.Flags().Int("limit", 20, "Number of entries")
	matchLogCmd.Flags().String("out", "", "Output file (default match-<id>.jsonl.zst)")
}
