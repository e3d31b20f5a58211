package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "presence-kiosk",
	Short: "Face-recognition attendance server and kiosk terminal",
	Long: `Presence Kiosk records check-ins and check-outs of enrolled people.

The server keeps the roster, locations and presence records in PostgreSQL and
serves the kiosk API. The kiosk command runs an unattended terminal that
recognizes faces from a camera and posts presence events for one location.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
