package main

import "github.com/ValentinKolb/deposit/cmd"

func main() {
	cmd.Execute()
}
