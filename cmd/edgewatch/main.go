package main

import "github.com/dbsmedya/edgewatch/cmd/edgewatch/cmd"

func main() {
	cmd.Execute()
}
