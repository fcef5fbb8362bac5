package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show active and queued sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		q, err := c.Queue(context.Background(), requesterFlag)
		if err != nil {
			return err
		}
		fmt.Println(q.Text)
		if q.Position > 0 {
			fmt.Printf("\nYou are #%d in the queue.\n", q.Position)
		}
		return nil
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate [requester]",
	Short: "Terminate a requester's queued or active run",
	Long: `Terminate a requester's run. Defaults to your own ($USER).

Examples:
  quiche terminate
  quiche terminate alice`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requester := os.Getenv("USER")
		if len(args) == 1 {
			requester = args[0]
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		msg, err := c.Terminate(context.Background(), requester)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var requirementsCmd = &cobra.Command{
	Use:   "requirements <file>",
	Short: "Upload a requirements.txt installed before each of your runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if requesterFlag == "" {
			return fmt.Errorf("--as is required when $USER is unset")
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		c, err := newClient()
		if err != nil {
			return err
		}
		msg, err := c.SaveRequirements(context.Background(), requesterFlag, f.Name(), f)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

func init() {
	queueCmd.Flags().StringVar(&requesterFlag, "as", os.Getenv("USER"), "Requester id")
	requirementsCmd.Flags().StringVar(&requesterFlag, "as", os.Getenv("USER"), "Requester id")
	rootCmd.AddCommand(queueCmd, terminateCmd, requirementsCmd)
}
