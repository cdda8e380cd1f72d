package main

import "github.com/shouni/go-news-harvester/cmd"

func main() {
	cmd.Execute()
}
