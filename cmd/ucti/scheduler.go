package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/ucti/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic jobs until interrupted",
	Long: `scheduler evaluates the job table every minute and spawns each due
job as a 'ucti job <name>' child process. Job output streams into
<log dir>/job-<name>.log and is mirrored here.`,
	Args: cobra.NoArgs,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}

func runScheduler(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	svc, _, dirs, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	sched, err := scheduler.New(svc.Store(), scheduler.Config{
		LogDir: dirs.Logs,
		Env:    append(os.Environ(), dirs.Environ()...),
	}, slog.Default())
	if err != nil {
		return err
	}

	slog.Info("scheduler starting", "logs", dirs.Logs)
	if code := sched.Run(ctx); code != 0 {
		return fmt.Errorf("jobs finished with aggregate code %d, check the job logs", code)
	}
	return nil
}
