package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List configured services",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tNAME\tBASE URL\tAUTH\tRATE LIMIT")
		for _, key := range cfg.ServiceKeys() {
			svc := cfg.Services[key]
			if _, err := svc.Descriptor(); err != nil {
				fmt.Fprintf(tw, "%s\t%s\t%s\tinvalid: %v\t\n", key, svc.Name, svc.BaseURL, err)
				continue
			}
			auth := "-"
			if svc.Auth != nil {
				auth = svc.Auth.Type + " (" + svc.Auth.TokenEnvVar + ")"
			}
			limit := "-"
			if rl := svc.RateLimit; rl != nil {
				limit = fmt.Sprintf("%d/%dms", rl.MaxRequests, rl.WindowMs)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", key, svc.Name, svc.BaseURL, auth, limit)
		}
		return tw.Flush()
	},
}
