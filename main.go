package main

import "github.com/ValentinKolb/sqlkv/cmd"

func main() {
	cmd.Execute()
}
