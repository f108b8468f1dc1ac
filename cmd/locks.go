package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/strongroom/strongroom/config"
	"github.com/strongroom/strongroom/loggers/cli"
	"github.com/strongroom/strongroom/storage/filesystem"
	"github.com/strongroom/strongroom/storage/pathlock"
)

var locksArgs struct {
	OlderThan time.Duration
	Confirmed bool
}

func newLocksCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and reclaim the on-disk path lock markers.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetHandler(cli.Default)
		},
	}

	command.AddCommand(newLocksListCommand())
	command.AddCommand(newLocksReclaimCommand())

	return command
}

func newLocksListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every lock marker currently present on disk.",
		Run:   locksListCmdRun,
	}
}

func newLocksReclaimCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "reclaim",
		Short: "Remove stale lock markers, freeing the paths they cover.",
		Long: "Remove stale lock markers, freeing the paths they cover.\n\n" +
			"A marker only outlives its process when that process died while holding\n" +
			"the lock. The daemon never removes one on its own because it cannot tell\n" +
			"a crashed holder from a slow one, that call belongs to an operator.",
		Run: locksReclaimCmdRun,
	}

	command.Flags().DurationVar(&locksArgs.OlderThan, "older-than", 0, "only remove markers untouched for at least this long, defaults to the configured stale age")
	command.Flags().BoolVar(&locksArgs.Confirmed, "yes", false, "skip the confirmation prompt")

	return command
}

// Loads the configuration and opens the lock registry that backs the
// configured storage root. Exits the process on failure since none of the
// lock subcommands can do anything useful without it.
func openLockRegistry() (*config.Configuration, *pathlock.Registry) {
	c, err := readConfiguration()
	if err != nil {
		fmt.Println("Couldn't load the configuration:", err.Error())
		os.Exit(1)
	}

	fs, err := filesystem.New(c.Storage, c.Locks)
	if err != nil {
		fmt.Println("Couldn't open the storage root:", err.Error())
		os.Exit(1)
	}

	return c, fs.Locks()
}

func locksListCmdRun(cmd *cobra.Command, args []string) {
	_, registry := openLockRegistry()

	markers, err := registry.Snapshot()
	if err != nil {
		fmt.Println("Couldn't read the marker directory:", err.Error())
		os.Exit(1)
	}
	if len(markers) == 0 {
		fmt.Println("No lock markers are currently present.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tPID\tHOLDER\tAGE\tMARKER")
	for _, m := range markers {
		p := m.Path
		if p == "" {
			p = "(unreadable body)"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", p, m.Pid, m.Holder, time.Since(m.ModTime).Truncate(time.Second), m.File)
	}
	w.Flush()
}

func locksReclaimCmdRun(cmd *cobra.Command, args []string) {
	c, registry := openLockRegistry()

	olderThan := locksArgs.OlderThan
	if olderThan <= 0 {
		olderThan = time.Duration(c.Locks.StaleAge) * time.Second
	}

	if !locksArgs.Confirmed {
		survey.AskOne(&survey.Confirm{
			Message: fmt.Sprintf("Remove markers untouched for %s or longer? Reclaiming a lock whose holder is still alive breaks its exclusivity.", olderThan),
		}, &locksArgs.Confirmed)
		if !locksArgs.Confirmed {
			fmt.Println("Aborted.")
			os.Exit(1)
		}
	}

	reclaimed, err := registry.Reclaim(olderThan)
	if err != nil {
		fmt.Println("Reclaim stopped early:", err.Error())
		os.Exit(1)
	}
	if len(reclaimed) == 0 {
		fmt.Println("No markers were old enough to reclaim.")
		return
	}
	fmt.Printf("Reclaimed %d marker(s).\n", len(reclaimed))
}
