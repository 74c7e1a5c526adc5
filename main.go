package main

import "github.com/nextlevelbuilder/gateclaw/cmd"

func main() {
	cmd.Execute()
}
