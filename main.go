package main

import "github.com/andresmejia3/landmarkseq/cmd"

func main() {
	cmd.Execute()
}
