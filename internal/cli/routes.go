package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"routerelay/internal/client"
)

func NewRoutesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "routes",
		Short:         "List the relay's route catalog",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			routes, err := client.FetchRoutes(cmd.Context(), http.DefaultClient, rootOpts.URL)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(routes)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTART\tEND")
			for _, r := range routes {
				fmt.Fprintf(w, "%s\t%s\t%.5f,%.5f\t%.5f,%.5f\n", r.ID, r.Title,
					r.StartPosition.Lat, r.StartPosition.Lng, r.EndPosition.Lat, r.EndPosition.Lng)
			}
			return w.Flush()
		},
	}
}
