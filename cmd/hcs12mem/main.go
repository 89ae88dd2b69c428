package main

import "github.com/george-hopkins/hcs12mem-sub000/cmd/hcs12mem/cmd"

func main() {
	cmd.Execute()
}
