package main

import "houseprice/cli"

func main() {
	cli.Execute()
}
