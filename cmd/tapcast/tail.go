package main

import (
	"github.com/spf13/cobra"

	"github.com/tapcast/broker/internal/client"
)

type TailFlags struct {
	URL string
	Raw bool
}

func newTailCommand() *cobra.Command {
	flags := &TailFlags{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Subscribe to a broker and print events until the stream closes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.Tail(cmd.Context(), flags.URL, cmd.OutOrStdout(), client.Options{Raw: flags.Raw})
		},
	}
	cmd.Flags().StringVar(&flags.URL, "url", "ws://localhost:8080/ws", "stream URL")
	cmd.Flags().BoolVar(&flags.Raw, "raw", false, "print JSON payloads as received")
	return cmd
}
