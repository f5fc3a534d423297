package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/locum-sh/locum/internal/store"
)

// sessionsCmd groups session administration subcommands. They operate on
// the persisted store directly; a mode change is picked up by a running
// daemon the next time it binds the session.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage persisted session state",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions with persisted state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		states, err := st.List()
		if err != nil {
			return err
		}
		sort.Slice(states, func(i, j int) bool {
			return states[i].SessionID < states[j].SessionID
		})

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tMODE\tUPDATED\tSUMMARY")
		for _, s := range states {
			updated := ""
			if !s.UpdatedAt.IsZero() {
				updated = s.UpdatedAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				s.SessionID, s.Mode, updated, truncate(s.Summary, 60))
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session's persisted state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		if !st.Exists(args[0]) {
			return fmt.Errorf("no persisted state for session %q", args[0])
		}
		s := st.Get(args[0])

		fmt.Printf("Session:       %s\n", s.SessionID)
		fmt.Printf("Mode:          %s\n", s.Mode)
		if s.Summary != "" {
			fmt.Printf("Summary:       %s\n", s.Summary)
		}
		if s.Customization != "" {
			fmt.Printf("Customization: %s\n", s.Customization)
		}
		if s.LastProcessed != nil {
			fmt.Printf("Last reply to: %s (%s)\n",
				truncate(s.LastProcessed.Content, 60), s.LastProcessed.Sender)
		}
		if len(s.Profiles) > 0 {
			fmt.Println("Profiles:")
			names := make([]string, 0, len(s.Profiles))
			for name := range s.Profiles {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %s: %s\n", name, s.Profiles[name])
			}
		}
		return nil
	},
}

var sessionsSetModeCmd = &cobra.Command{
	Use:   "set-mode <session-id> <mode>",
	Short: "Set a session's mode (deactivated, available, active)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := store.Mode(args[1])
		if !mode.Valid() || mode == store.ModeUninitialized {
			return fmt.Errorf("invalid mode %q (want deactivated, available or active)", args[1])
		}

		st, err := store.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetMode(args[0], mode); err != nil {
			return err
		}
		fmt.Printf("Session %s set to %s\n", args[0], mode)
		return nil
	},
}

var sessionsPurgeCmd = &cobra.Command{
	Use:   "purge <session-id>",
	Short: "Delete a session's persisted state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Purge(args[0]); err != nil {
			return err
		}
		fmt.Printf("Session %s purged\n", args[0])
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsSetModeCmd)
	sessionsCmd.AddCommand(sessionsPurgeCmd)
}
