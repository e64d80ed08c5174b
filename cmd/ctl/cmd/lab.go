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
)

var labCmd = &cobra.Command{
	Use:   "lab",
	Short: "Manage practice labs",
	Long:  `Launch and manage personal sandbox containers for practice.`,
}

var labLaunchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a practice lab",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		imageID, _ := cmd.Flags().GetInt64("image")

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		launch, err := c.LaunchLab(ctx, imageID)
		if err != nil {
			return fmt.Errorf("failed to launch lab: %w", err)
		}

		fmt.Printf("✓ Lab launched (session %d)\n", launch.SessionID)
		if launch.SimulatedMode {
			fmt.Println("  Mode: simulated (no container runtime available)")
		} else {
			fmt.Printf("  Container: %s\n", launch.ContainerID)
		}
		fmt.Printf("\nConnect with:\n  arenactl terminal %d %s\n", launch.SessionID, launch.Token)

		return nil
	},
}

var labSessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List your live lab sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sessions, err := c.ListLabSessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Println("No live lab sessions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tCONTAINER\tCREATED\tEXPIRES")
		for _, s := range sessions {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				s.ID, s.ContainerID,
				s.CreatedAt.Format("15:04:05"),
				s.ExpiresAt.Format("15:04:05"))
		}
		w.Flush()

		return nil
	},
}

var labCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a lab session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		sessionID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid session id: %s", args[0])
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.CloseSession(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}

		fmt.Printf("✓ Session %d closed\n", sessionID)
		return nil
	},
}

var containersCmd = &cobra.Command{
	Use:   "containers",
	Short: "List your containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		containers, err := c.MyContainers(ctx)
		if err != nil {
			return fmt.Errorf("failed to list containers: %w", err)
		}

		if len(containers) == 0 {
			fmt.Println("No containers found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tIMAGE\tSTATUS\tMATCH")
		for _, ci := range containers {
			match := ""
			if ci.MatchID != 0 {
				match = strconv.FormatInt(ci.MatchID, 10)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ci.ID, ci.Name, ci.Image, ci.Status, match)
		}
		w.Flush()

		return nil
	},
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List available lab images",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		images, err := c.ListImages(ctx)
		if err != nil {
			return fmt.Errorf("failed to list images: %w", err)
		}

		if len(images) == 0 {
			fmt.Println("No images available")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTAG\tNAME\tDESCRIPTION")
		for _, img := range images {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				img.ID, img.Tag, img.Name, img.Description)
		}
		w.Flush()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(labCmd)
	rootCmd.AddCommand(containersCmd)
	rootCmd.AddCommand(imagesCmd)

	labCmd.AddCommand(labLaunchCmd)
	labCmd.AddCommand(labSessionsCmd)
	labCmd.AddCommand(labCloseCmd)

	labLaunchCmd.Flags().Int64("image", 0, "Catalog image ID (0 for the default image)")
}
