package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCommand(flags *globalFlags) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List sessions waiting for a specialist",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := flags.newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			sessions, err := flags.apiClient(log).ListWaitingSessions(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tUSER\tWAITING")
			now := time.Now()
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%d\t%s\n", s.ID, s.UserID, s.WaitingFor(now).Round(time.Second))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}
