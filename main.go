package main

import "github.com/kozaktomas/presence-kiosk/cmd"

func main() {
	cmd.Execute()
}
