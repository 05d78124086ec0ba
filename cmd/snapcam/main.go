package main

import "github.com/bryanchriswhite/SnapCam/cmd/snapcam/commands"

func main() {
	commands.Execute()
}
