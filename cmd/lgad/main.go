package main

import "github.com/OpenTraceLab/OpenTraceSweep/cmd/lgad/cmd"

func main() {
	cmd.Execute()
}
