package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ctfarena/ctfarena/pkg/client"
)

var terminalCmd = &cobra.Command{
	Use:   "terminal <session-id> <session-token>",
	Short: "Attach an interactive terminal to a session",
	Long: `Attach the local terminal to a sandbox session over websocket.
The session ID and token come from "arenactl lab launch" or
"arenactl duel session". Detach with Ctrl-].`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid session id: %s", args[0])
		}
		sessionToken := args[1]

		c := client.NewClient(baseURL, token)
		wsURL := c.TerminalURL(sessionID, sessionToken)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return fmt.Errorf("failed to connect terminal: %w", err)
		}
		defer conn.Close()

		return runTerminal(conn)
	},
}

// runTerminal pumps bytes between stdin/stdout and the websocket with
// the local terminal in raw mode.
func runTerminal(conn *websocket.Conn) error {
	fd := int(os.Stdin.Fd())
	var restore func()
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		restore = func() { term.Restore(fd, oldState) }
		defer restore()
	}

	// Restore the terminal even on SIGINT/SIGTERM; in raw mode Ctrl-C
	// is forwarded to the remote side instead of killing us.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 2)

	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					done <- nil
				} else {
					done <- err
				}
				return
			}
			if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
				continue
			}
			if _, err := os.Stdout.Write(data); err != nil {
				done <- err
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				done <- err
				return
			}
			if n == 0 {
				continue
			}
			// Ctrl-] detaches, like telnet.
			for _, b := range buf[:n] {
				if b == 0x1d {
					done <- nil
					return
				}
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				done <- err
				return
			}
		}
	}()

	select {
	case err := <-done:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if restore != nil {
			restore()
		}
		fmt.Println("\nDetached from session")
		return err
	case <-sigCh:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return nil
	}
}

func init() {
	rootCmd.AddCommand(terminalCmd)
}
